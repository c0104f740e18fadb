package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/fieldsync/internal/api"
	"github.com/example/fieldsync/internal/cli"
	"github.com/example/fieldsync/internal/types"
	"github.com/example/fieldsync/internal/ws"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "daemon API address")
	clients := flag.Int("clients", 20, "number of concurrent submitters")
	records := flag.Int("records", 50, "records submitted by each client")
	interval := flag.Duration("interval", 20*time.Millisecond, "delay between submissions of one client")
	drainTimeout := flag.Duration("drain-timeout", 2*time.Minute, "how long to wait for the pending count to reach zero")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("target", *addr).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsURL, err := streamURL(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid daemon address")
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("status stream dial failed")
	}
	defer conn.Close()

	drained := make(chan struct{}, 1)
	go watchPending(ctx, conn, drained, logger)

	client := cli.NewClient(*addr, &http.Client{Timeout: 30 * time.Second})
	latencyCh := make(chan latencySample, *clients**records)
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			for j := 0; j < *records; j++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				sent := time.Now()
				if err := submit(ctx, client, id, j); err != nil {
					logger.Error().Err(err).Int("client", id).Msg("submit failed")
					continue
				}
				latencyCh <- latencySample{dur: time.Since(sent)}
			}
		}(i)
	}

	wg.Wait()
	close(latencyCh)
	submitted := time.Since(start)
	report(latencyCh, logger)
	fmt.Fprintf(os.Stdout, "Submission phase: %s\n", submitted)

	drainCtx, cancel := context.WithTimeout(ctx, *drainTimeout)
	defer cancel()
	if waitDrained(drainCtx, client, drained) {
		fmt.Fprintf(os.Stdout, "Queue drained after: %s\n", time.Since(start))
	} else {
		logger.Warn().Msg("pending records remained when the drain timeout expired")
	}
}

func streamURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/status"
	return u.String(), nil
}

// submit alternates record kinds so both queues are exercised.
func submit(ctx context.Context, client *cli.Client, id, seq int) error {
	zip := fmt.Sprintf("%05d", 10000+id)
	if seq%2 == 0 {
		return client.Do(ctx, http.MethodPost, "/incidents", types.Incident{
			ZipCode:    zip,
			Gender:     "Unknown",
			ApproxAge:  "26-35",
			NarcanUsed: seq%3 == 0,
			Survival:   "Survived",
		}, nil)
	}
	return client.Do(ctx, http.MethodPost, "/distributions", types.Distribution{
		ZipCode:   zip,
		KitType:   "narcan",
		KitsGiven: 1 + seq%3,
	}, nil)
}

// watchPending follows the status stream and signals whenever the summed
// pending count it has seen reaches zero.
func watchPending(ctx context.Context, conn *websocket.Conn, drained chan<- struct{}, logger zerolog.Logger) {
	perKind := make(map[types.Kind]int)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		var frame ws.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn().Err(err).Msg("failed to decode frame")
			continue
		}
		if frame.Type != ws.FrameStatus || frame.Status == nil {
			continue
		}
		perKind[frame.Status.Kind] = frame.Status.Pending
		total := 0
		for _, n := range perKind {
			total += n
		}
		logger.Debug().Int("pending", total).Msg("status frame")
		if total == 0 {
			select {
			case drained <- struct{}{}:
			default:
			}
		}
	}
}

// waitDrained confirms against GET /status, since the stream only tells
// what it has delivered so far.
func waitDrained(ctx context.Context, client *cli.Client, drained <-chan struct{}) bool {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		var status api.StatusResponse
		if err := client.Do(ctx, http.MethodGet, "/status", nil, &status); err == nil {
			total := 0
			for _, s := range status.Ledgers {
				total += s.Pending
			}
			if total == 0 {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-drained:
		case <-ticker.C:
		}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Submissions: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of submissions were durable within 50ms")
	}
}
