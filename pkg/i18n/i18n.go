package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ShutdownComplete   string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string

	// Brokers
	BrokerRegistered    string
	BrokerCreated       string
	BrokerCreateFailed  string
	MissingDependency   string
	BrokerStarted       string
	BrokerStartFailed   string
	BrokerStopped       string
	BrokerStopFailed    string
	BrokerUnhealthy     string
	BrokerRecovered     string
	StartupAborted      string
	NoBrokersConfigured string

	// Services
	DumpStoreEnabled    string
	DumpStoreDisabled   string
	GRPCHealthListening string
	GRPCHealthError     string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting httptrading gateway...",
	ConfigLoaded:       "Config loaded (Port: %s, brokers: %d)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "Server listening on %s",
	ShuttingDown:       "Shutting down gracefully...",
	ShutdownComplete:   "All broker instances stopped.",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",

	// Brokers
	BrokerRegistered:    "Broker kinds registered: %v",
	BrokerCreated:       "Broker instance %s created (%s)",
	BrokerCreateFailed:  "Failed to create broker instance %s: %v",
	MissingDependency:   "Broker %s needs %s installed: %v",
	BrokerStarted:       "Broker instance %s started",
	BrokerStartFailed:   "Broker instance %s failed to start: %v",
	BrokerStopped:       "Broker instance %s stopped",
	BrokerStopFailed:    "Broker instance %s failed to stop: %v",
	BrokerUnhealthy:     "Broker instance %s is unhealthy: %v",
	BrokerRecovered:     "Broker instance %s recovered",
	StartupAborted:      "Startup aborted: %v",
	NoBrokersConfigured: "No broker instances configured; every API route will answer 404",

	// Services
	DumpStoreEnabled:    "Order dumps are written to the %s store",
	DumpStoreDisabled:   "Order dumps are disabled",
	GRPCHealthListening: "gRPC health service listening on %s",
	GRPCHealthError:     "gRPC health server error: %v",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "啟動 httptrading 閘道...",
	ConfigLoaded:       "設定已載入（埠號：%s，券商實例：%d）",
	UsingDBPath:        "使用資料庫路徑：%s",
	ServerListening:    "服務監聽於 %s",
	ShuttingDown:       "正在優雅關閉...",
	ShutdownComplete:   "所有券商實例已停止。",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",

	// Brokers
	BrokerRegistered:    "已註冊券商類型：%v",
	BrokerCreated:       "券商實例 %s 已建立（%s）",
	BrokerCreateFailed:  "建立券商實例 %s 失敗：%v",
	MissingDependency:   "券商 %s 需要安裝 %s：%v",
	BrokerStarted:       "券商實例 %s 已啟動",
	BrokerStartFailed:   "券商實例 %s 啟動失敗：%v",
	BrokerStopped:       "券商實例 %s 已停止",
	BrokerStopFailed:    "券商實例 %s 停止失敗：%v",
	BrokerUnhealthy:     "券商實例 %s 狀態異常：%v",
	BrokerRecovered:     "券商實例 %s 已恢復",
	StartupAborted:      "啟動中止：%v",
	NoBrokersConfigured: "未設定任何券商實例，所有 API 路由都會回應 404",

	// Services
	DumpStoreEnabled:    "訂單快照寫入 %s 資料庫",
	DumpStoreDisabled:   "訂單快照已停用",
	GRPCHealthListening: "gRPC 健康檢查服務監聽於 %s",
	GRPCHealthError:     "gRPC 健康檢查服務錯誤：%v",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
