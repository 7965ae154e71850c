package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/slotbook/libs/auth"
)

type bookInput struct {
	ProviderID    string  `json:"provider_id"`
	Date          string  `json:"date"`
	StartTime     string  `json:"start_time"`
	DurationHours float64 `json:"duration_hours"`
}

// attempt is one user's booking request as observed by the client.
type attempt struct {
	User     string
	Status   int
	Success  bool
	Message  string
	GroupID  string
	Latency  time.Duration
	Finished time.Time
	Err      error
}

type bookClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newBookClient(baseURL, token string, timeout time.Duration) *bookClient {
	return &bookClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *bookClient) post(ctx context.Context, path, user string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.Header.Set(auth.UserHeader, user)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, err
}

func (c *bookClient) book(ctx context.Context, user string, in bookInput) attempt {
	started := time.Now()
	status, raw, err := c.post(ctx, "/api/v1/public/book", user, in)
	a := attempt{User: user, Status: status, Latency: time.Since(started), Finished: time.Now(), Err: err}
	if err != nil {
		return a
	}
	var reply struct {
		Success        bool    `json:"success"`
		Message        string  `json:"message"`
		BookingGroupID *string `json:"booking_group_id"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		a.Err = fmt.Errorf("decode reply (status %d): %w", status, err)
		return a
	}
	a.Success = reply.Success
	a.Message = reply.Message
	if reply.BookingGroupID != nil {
		a.GroupID = *reply.BookingGroupID
	}
	return a
}

func (c *bookClient) cancel(ctx context.Context, user, groupID string) error {
	status, raw, err := c.post(ctx, "/api/v1/appointments/cancel", user, map[string]string{"booking_group_id": groupID})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("cancel %s: status %d: %s", groupID, status, strings.TrimSpace(string(raw)))
	}
	return nil
}

// simultaneous releases every user's request at the same instant.
func simultaneous(ctx context.Context, c *bookClient, in bookInput, users []string) []attempt {
	out := make([]attempt, len(users))
	start := make(chan struct{})
	var g errgroup.Group
	for i, user := range users {
		g.Go(func() error {
			<-start
			out[i] = c.book(ctx, user, in)
			return nil
		})
	}
	close(start)
	_ = g.Wait()
	return out
}

// sequential books for each user in turn, pausing gap between requests.
func sequential(ctx context.Context, c *bookClient, in bookInput, users []string, gap time.Duration) []attempt {
	out := make([]attempt, 0, len(users))
	for i, user := range users {
		if i > 0 && gap > 0 {
			select {
			case <-ctx.Done():
				return out
			case <-time.After(gap):
			}
		}
		out = append(out, c.book(ctx, user, in))
	}
	return out
}

type verdict struct {
	Successes int
	Conflicts int
	Others    int
	Spread    time.Duration
}

func summarize(attempts []attempt) verdict {
	var v verdict
	var first, last time.Time
	for _, a := range attempts {
		switch {
		case a.Err == nil && a.Success:
			v.Successes++
		case a.Err == nil && a.Status == http.StatusConflict:
			v.Conflicts++
		default:
			v.Others++
		}
		if first.IsZero() || a.Finished.Before(first) {
			first = a.Finished
		}
		if a.Finished.After(last) {
			last = a.Finished
		}
	}
	v.Spread = last.Sub(first)
	return v
}

// DoubleBooked reports whether more than one request won the same slot.
func (v verdict) DoubleBooked() bool { return v.Successes > 1 }

func printAttempts(w io.Writer, attempts []attempt) {
	for _, a := range attempts {
		if a.Err != nil {
			fmt.Fprintf(w, "  %-12s error=%v latency=%s\n", a.User, a.Err, a.Latency.Round(time.Millisecond))
			continue
		}
		fmt.Fprintf(w, "  %-12s status=%d success=%t group=%s latency=%s message=%q\n",
			a.User, a.Status, a.Success, a.GroupID, a.Latency.Round(time.Millisecond), a.Message)
	}
}

func printVerdict(w io.Writer, v verdict) {
	fmt.Fprintf(w, "  successes=%d conflicts=%d other=%d spread=%s\n",
		v.Successes, v.Conflicts, v.Others, v.Spread.Round(time.Millisecond))
	if v.DoubleBooked() {
		fmt.Fprintln(w, "  DOUBLE BOOKING: more than one request reserved the slot")
	}
}

// release cancels the winning booking so the next trial starts from a free slot.
func release(ctx context.Context, c *bookClient, attempts []attempt) error {
	for _, a := range attempts {
		if a.Success && a.GroupID != "" {
			if err := c.cancel(ctx, a.User, a.GroupID); err != nil {
				return err
			}
		}
	}
	return nil
}
