package relaycli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chatwire/chatwire/apiframework"
	"github.com/chatwire/chatwire/chatservice"
	"github.com/chatwire/chatwire/internal/chatapi"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Smoke-test an instance against a running relay.",
	Long: `Bootstrap a widget session against a running relay and send one
message, printing the streamed events. Useful to verify an instance's
targeting rules and webhook endpoint end to end.`,
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.String("server", "http://localhost:8080", "Base URL of the running relay")
	f.String("message", "", "The message to send (required)")
	f.String("url", "", "Page URL to report for targeting")
	f.String("path", "/", "Page path to report for targeting")
	f.String("visitor", "cli-smoke", "Visitor id to bootstrap with")
	f.Duration("timeout", 2*time.Minute, "Maximum exchange time")
	_ = sendCmd.MarkFlagRequired("message")
}

func runSend(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	server, _ := flags.GetString("server")
	message, _ := flags.GetString("message")
	pageURL, _ := flags.GetString("url")
	pagePath, _ := flags.GetString("path")
	visitorID, _ := flags.GetString("visitor")
	timeout, _ := flags.GetDuration("timeout")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	page := chatapi.PagePayload{URL: pageURL, Path: pagePath}
	visitor := chatapi.VisitorPayload{ID: visitorID}

	bundle, err := bootstrap(ctx, server, chatapi.BootstrapRequest{Visitor: visitor, Page: page})
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	fmt.Printf("instance %q session %s\n", bundle.Instance.Name, bundle.SessionUUID)

	return streamMessage(ctx, server, bundle.Token, chatapi.MessageRequest{
		Message: message,
		Visitor: visitor,
		Page:    page,
	})
}

func bootstrap(ctx context.Context, server string, req chatapi.BootstrapRequest) (*chatapi.BootstrapResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/embed/bootstrap", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiframework.HandleAPIError(resp)
	}

	var bundle chatapi.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to decode bootstrap bundle: %w", err)
	}
	return &bundle, nil
}

func streamMessage(ctx context.Context, server, token string, req chatapi.MessageRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/chat/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiframework.HandleAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return nil
		}
		var event chatservice.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			fmt.Println(payload)
			continue
		}
		printEvent(event)
	}
	return scanner.Err()
}

func printEvent(event chatservice.Event) {
	switch event.Type {
	case chatservice.EventPartial:
		fmt.Printf("\r%s", event.Text)
	case chatservice.EventCompleted:
		fmt.Printf("\r%s\n", event.Text)
	case chatservice.EventError:
		if event.Fault != nil {
			fmt.Printf("error [%s/%s]: %s\n", event.Fault.Category, event.Fault.Recovery, event.Fault.UserMessage)
			return
		}
		fmt.Println("error")
	default:
		fmt.Printf("[%s]\n", event.Type)
	}
}
