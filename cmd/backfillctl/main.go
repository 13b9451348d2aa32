// cmd/backfillctl triggers and tracks operator backfill runs against a live
// ohlcvd over its REST surface. It mints the admin TOTP code locally, so the
// shared secret never travels; only the 30-second code does.
//
// Usage:
//
//	go run ./cmd/backfillctl --addr=http://localhost:8080 --symbol=BTCUSDT --interval=1m
//	go run ./cmd/backfillctl --status
//
// The TOTP secret comes from --secret or the ADMIN_TOTP_SECRET env var; leave
// both empty when the target daemon runs without the admin gate.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pquerna/otp/totp"

	"ohlcv-systemv1/internal/model"
)

func main() {
	log.SetFlags(0)

	addr := flag.String("addr", "http://localhost:8080", "ohlcvd base URL")
	symbol := flag.String("symbol", "BTCUSDT", "series symbol")
	interval := flag.String("interval", "1m", "series interval")
	secret := flag.String("secret", "", "admin TOTP secret (default: ADMIN_TOTP_SECRET env)")
	statusOnly := flag.Bool("status", false, "only report the latest run, do not start one")
	poll := flag.Duration("poll", 2*time.Second, "status poll cadence while a run is live")
	flag.Parse()

	sec := *secret
	if sec == "" {
		sec = os.Getenv("ADMIN_TOTP_SECRET")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	query := url.Values{"symbol": {*symbol}, "interval": {*interval}}.Encode()

	if !*statusOnly {
		run, err := startRun(client, *addr, query, sec)
		if err != nil {
			log.Fatalf("backfillctl: %v", err)
		}
		fmt.Printf("run #%d accepted: %s@%s, [%d..%d], %d bars expected\n",
			run.ID, run.Symbol, run.Interval, run.FromOpenTime, run.ToOpenTime, run.ExpectedBars)
	}

	for {
		run, err := fetchStatus(client, *addr, query)
		if err != nil {
			log.Fatalf("backfillctl: %v", err)
		}
		fmt.Printf("run #%d %-8s %6.1f%% (%d/%d bars, attempt %d)",
			run.ID, run.Status, run.Progress*100, run.LoadedBars, run.ExpectedBars, run.Attempts)
		if run.LastError != "" {
			fmt.Printf("  last error: %s", run.LastError)
		}
		fmt.Println()

		switch run.Status {
		case model.RunPending, model.RunRunning:
			time.Sleep(*poll)
		default:
			if run.Status != model.RunSuccess {
				os.Exit(1)
			}
			return
		}
	}
}

// runStatus mirrors the API's run envelope: the audit row plus the
// server-computed progress ratio.
type runStatus struct {
	model.BackfillRun
	Progress float64 `json:"progress"`
}

type apiError struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id"`
}

func startRun(client *http.Client, addr, query, secret string) (*runStatus, error) {
	req, err := http.NewRequest(http.MethodPost, addr+"/ohlcv/backfill/year?"+query, nil)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		code, err := totp.GenerateCode(secret, time.Now())
		if err != nil {
			return nil, fmt.Errorf("totp: %w", err)
		}
		req.Header.Set("X-Admin-OTP", code)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return nil, decodeError(resp)
	}
	var run runStatus
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &run, nil
}

func fetchStatus(client *http.Client, addr, query string) (*runStatus, error) {
	resp, err := client.Get(addr + "/ohlcv/backfill/year/status?" + query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var run runStatus
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &run, nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e apiError
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("%s (HTTP %d, request %s)", e.Error, resp.StatusCode, e.RequestID)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
}
