package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

// newAdapterCommand is a thin client for the running gateway's stdio
// conversion endpoint, for
// operators who'd rather not hand-craft the request.
func newAdapterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Drive a running gateway's stdio-to-HTTP adapter supervisor",
	}
	cmd.AddCommand(newAdapterConvertCommand())
	return cmd
}

func newAdapterConvertCommand() *cobra.Command {
	var gatewayURL, apiKey string

	cmd := &cobra.Command{
		Use:   "convert <server-name>",
		Short: "Convert a registered stdio server to HTTP via adapter supervision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverName := args[0]
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				gatewayURL+"/mcp/servers/"+serverName+"/convert", bytes.NewReader(nil))
			if err != nil {
				return err
			}
			if apiKey != "" {
				req.Header.Set("X-API-Key", apiKey)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("calling gateway: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode >= 300 {
				return fmt.Errorf("gateway returned %s: %s", resp.Status, body)
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "gateway-url", "http://127.0.0.1:8080", "base URL of the running gateway's admin API")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "X-API-Key for the admin API")
	return cmd
}
