package meta

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// GraphError is the "error" object of a failed Graph API response.
type GraphError struct {
	Status    int
	Code      int
	Subcode   int
	Type      string
	Message   string
	FBTraceID string
}

func (e *GraphError) Error() string {
	if e.Subcode != 0 {
		return fmt.Sprintf("meta graph error %d/%d (http %d): %s", e.Code, e.Subcode, e.Status, e.Message)
	}
	return fmt.Sprintf("meta graph error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// IsRateLimit covers app, user, ad account and business use case throttling.
func (e *GraphError) IsRateLimit() bool {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Code == 4, e.Code == 17, e.Code == 32, e.Code == 613:
		return true
	case e.Code >= 80000 && e.Code <= 80014:
		return true
	}
	return false
}

// IsAuth means the stored token is expired or revoked.
func (e *GraphError) IsAuth() bool { return e.Code == 190 || e.Code == 102 }

func parseGraphError(status int, body []byte) *GraphError {
	g := gjson.GetBytes(body, "error")
	ge := &GraphError{
		Status:    status,
		Code:      int(g.Get("code").Int()),
		Subcode:   int(g.Get("error_subcode").Int()),
		Type:      g.Get("type").String(),
		Message:   g.Get("message").String(),
		FBTraceID: g.Get("fbtrace_id").String(),
	}
	if ge.Message == "" {
		ge.Message = http.StatusText(status)
	}
	return ge
}

// IsAuthError reports whether err carries a Graph token error.
func IsAuthError(err error) bool {
	var ge *GraphError
	return errors.As(err, &ge) && ge.IsAuth()
}
