package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// serverClient forwards control commands to a running server so they run
// under the server's agent locks.
type serverClient struct {
	base string
	http *http.Client
}

// runningServer returns a client for the server named in the PID file, or
// nil when none is running.
func runningServer() *serverClient {
	pid, ok := pidFile().Running()
	if !ok || pid == os.Getpid() {
		return nil
	}
	host := viper.GetString("server.host")
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return &serverClient{
		base: "http://" + net.JoinHostPort(host, strconv.Itoa(viper.GetInt("server.port"))),
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// post sends in as a JSON body to path and decodes the JSON response into
// out. A nil in sends no body.
func (c *serverClient) post(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("server: %s (status %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
