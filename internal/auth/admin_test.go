package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func runAdmin(secret string, allowOpen bool, header string) (*httptest.ResponseRecorder, bool) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliations/sweep", nil)
	if header != "" {
		c.Request.Header.Set(HeaderAdminSecret, header)
	}
	RequireAdmin(secret, allowOpen)(c)
	return w, !c.IsAborted()
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		allowOpen bool
		header    string
		passes    bool
		code      int
	}{
		{"correct secret", "supersecret123", false, "supersecret123", true, http.StatusOK},
		{"wrong secret", "supersecret123", false, "wrongsecret", false, http.StatusForbidden},
		{"missing header", "supersecret123", false, "", false, http.StatusUnauthorized},
		{"open in development", "", true, "", true, http.StatusOK},
		{"closed without secret", "", false, "anything", false, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, passed := runAdmin(tt.secret, tt.allowOpen, tt.header)
			assert.Equal(t, tt.passes, passed)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}
