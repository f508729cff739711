package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

// apiResponse builds the envelope every instance route answers with. The
// identity fields are null when no broker was bound.
func apiResponse(b common.Broker, args gin.H, ex error) gin.H {
	resp := gin.H{
		"type":          "apiResponse",
		"instanceId":    nil,
		"broker":        nil,
		"brokerDisplay": nil,
		"time":          time.Now().UTC().Format(time.RFC3339Nano),
		"ex":            nil,
	}
	if b != nil {
		resp["instanceId"] = b.InstanceID()
		resp["broker"] = b.Name()
		resp["brokerDisplay"] = b.Display()
	}
	if ex != nil {
		resp["ex"] = ex.Error()
	}
	for k, v := range args {
		resp[k] = v
	}
	return resp
}

func respondOK(c *gin.Context, args gin.H) {
	c.JSON(http.StatusOK, apiResponse(currentBroker(c), args, nil))
}
