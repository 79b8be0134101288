package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	ucli "github.com/urfave/cli/v2"
)

const defaultAddr = "http://localhost:8080"

func newApp(out io.Writer) *ucli.App {
	app := &ucli.App{
		Name:   "approvalctl",
		Usage:  "propose, reply to and inspect multi-party approval votes",
		Writer: out,
		Flags: []ucli.Flag{
			&ucli.StringFlag{
				Name:    "addr",
				Usage:   "base URL of the local node API",
				Value:   defaultAddr,
				EnvVars: []string{"APPROVAL_ADDR"},
			},
			&ucli.DurationFlag{
				Name:  "timeout",
				Usage: "request timeout",
				Value: 15 * time.Second,
			},
		},
		Commands: []*ucli.Command{
			{
				Name:      "propose",
				Usage:     "open a vote as the local party",
				ArgsUsage: "<type> <params-json>",
				Flags: []ucli.Flag{
					&ucli.StringFlag{Name: "idempotency-key", Usage: "replay-safe key for retries"},
				},
				Action: propose,
			},
			{
				Name:      "reply",
				Usage:     "approve or reject a vote as the local party",
				ArgsUsage: "<vote-id>",
				Flags: []ucli.Flag{
					&ucli.StringFlag{Name: "action", Usage: "APPROVED or REJECTED", Required: true},
					&ucli.StringFlag{Name: "reason", Usage: "free text shown to other parties"},
				},
				Action: reply,
			},
			{
				Name:      "status",
				Usage:     "show a vote and every party's reply",
				ArgsUsage: "<vote-id>",
				Flags: []ucli.Flag{
					&ucli.StringFlag{Name: "viewer", Usage: "party whose execution status to show"},
				},
				Action: status,
			},
			{
				Name:  "list",
				Usage: "list votes known to the node",
				Flags: []ucli.Flag{
					&ucli.StringFlag{Name: "type"},
					&ucli.StringFlag{Name: "status"},
					&ucli.StringFlag{Name: "initiator"},
					&ucli.IntFlag{Name: "limit"},
				},
				Action: list,
			},
			{
				Name:  "invites",
				Usage: "list invites addressed to the local party",
				Flags: []ucli.Flag{
					&ucli.StringFlag{Name: "action", Usage: "filter by REVIEWING, APPROVED or REJECTED"},
				},
				Action: invites,
			},
			{
				Name:      "redrive",
				Usage:     "retry a failed local execution",
				ArgsUsage: "<vote-id>",
				Action:    redrive,
			},
		},
	}
	return app
}

func propose(c *ucli.Context) error {
	if c.NArg() != 2 {
		return errors.New("usage: propose <type> <params-json>")
	}
	params := json.RawMessage(c.Args().Get(1))
	if !json.Valid(params) {
		return errors.New("params must be valid JSON")
	}
	body := map[string]any{
		"type":   c.Args().Get(0),
		"params": params,
	}
	headers := map[string]string{}
	if key := c.String("idempotency-key"); key != "" {
		headers["Idempotency-Key"] = key
	}
	return call(c, http.MethodPost, "/api/v1/votes", nil, body, headers)
}

func reply(c *ucli.Context) error {
	voteID, err := singleArg(c, "vote-id")
	if err != nil {
		return err
	}
	body := map[string]string{
		"action": strings.ToUpper(c.String("action")),
		"reason": c.String("reason"),
	}
	return call(c, http.MethodPost, "/api/v1/votes/"+url.PathEscape(voteID)+"/reply", nil, body, nil)
}

func status(c *ucli.Context) error {
	voteID, err := singleArg(c, "vote-id")
	if err != nil {
		return err
	}
	query := url.Values{}
	if viewer := c.String("viewer"); viewer != "" {
		query.Set("viewer", viewer)
	}
	return call(c, http.MethodGet, "/api/v1/votes/"+url.PathEscape(voteID), query, nil, nil)
}

func list(c *ucli.Context) error {
	query := url.Values{}
	for _, name := range []string{"type", "status", "initiator"} {
		if value := c.String(name); value != "" {
			query.Set(name, value)
		}
	}
	if limit := c.Int("limit"); limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return call(c, http.MethodGet, "/api/v1/votes", query, nil, nil)
}

func invites(c *ucli.Context) error {
	query := url.Values{}
	if action := c.String("action"); action != "" {
		query.Set("action", action)
	}
	return call(c, http.MethodGet, "/api/v1/invites", query, nil, nil)
}

func redrive(c *ucli.Context) error {
	voteID, err := singleArg(c, "vote-id")
	if err != nil {
		return err
	}
	return call(c, http.MethodPost, "/api/v1/votes/"+url.PathEscape(voteID)+"/redrive", nil, nil, nil)
}

func singleArg(c *ucli.Context, name string) (string, error) {
	value := strings.TrimSpace(c.Args().First())
	if c.NArg() != 1 || value == "" {
		return "", fmt.Errorf("expected exactly one <%s> argument", name)
	}
	return value, nil
}

// call sends the request and pretty-prints the JSON response. Non-2xx
// responses become errors carrying the server's code and message.
func call(c *ucli.Context, method string, path string, query url.Values, body any, headers map[string]string) error {
	target := strings.TrimRight(c.String("addr"), "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(c.Context, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	client := &http.Client{Timeout: c.Duration("timeout")}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, err = c.App.Writer.Write(raw)
		return err
	}
	pretty.WriteByte('\n')
	_, err = c.App.Writer.Write(pretty.Bytes())
	return err
}
