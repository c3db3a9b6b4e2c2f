package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		url     string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running fabricd",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/status/text"
			if jsonOut {
				path = "/status"
			}
			body, err := fetch(cmd.Context(), strings.TrimRight(url, "/")+path)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), body)
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", envStr("FABRICD_URL", "http://127.0.0.1:8080"), "Admin API base URL")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the full JSON status")
	return cmd
}

func fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %s: %s", url, resp.Status, strings.TrimSpace(string(b)))
	}
	return string(b), nil
}
