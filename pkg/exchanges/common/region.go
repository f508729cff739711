package common

import "time"

var regionZones = map[string]string{
	"CN": "Asia/Shanghai",
	"HK": "Asia/Hong_Kong",
	"US": "America/New_York",
}

var regionCurrencies = map[string]string{
	"CN": "CNY",
	"HK": "HKD",
	"US": "USD",
}

// RegionTimezone loads the exchange timezone for a securities region.
func RegionTimezone(region string) (*time.Location, error) {
	name, ok := regionZones[region]
	if !ok {
		return nil, &UnsupportedOperationError{Operation: "region timezone", Detail: region}
	}
	return time.LoadLocation(name)
}

// RegionCurrency returns the settlement currency of a securities region.
func RegionCurrency(region string) (string, error) {
	c, ok := regionCurrencies[region]
	if !ok {
		return "", &UnsupportedOperationError{Operation: "region currency", Detail: region}
	}
	return c, nil
}
