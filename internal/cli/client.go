package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// serverURL overrides the address of a running "areg serve".
var serverURL string

// baseURL resolves the REST API root from --server or the configured
// listen address.
func baseURL() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	addr := ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func newAPIClient() *resty.Client {
	return resty.New().
		SetBaseURL(baseURL()).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "areg-cli/"+appVersion)
}

// apiError turns a non-2xx response into an error carrying the server's
// message.
func apiError(resp *resty.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode(), body.Code, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Base URL of a running areg server (default from http.addr)")
}
