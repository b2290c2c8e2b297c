package hsp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

// testClient builds a client against the given server with instant sleeps,
// recording every backoff interval.
func testClient(serverURL string, delays *[]time.Duration) *Client {
	c := NewClient(Config{
		BaseURL:  serverURL,
		Username: "user",
		Password: "pass",
		Retry: RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Backoff:      2.0,
		},
	}, zap.NewNop())
	var mu sync.Mutex
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		if delays != nil {
			*delays = append(*delays, d)
		}
		return ctx.Err()
	}
	return c
}

func authOK(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
}

var _ = Describe("Client", func() {
	Describe("authentication", func() {
		It("exchanges credentials for a token and sends it on requests", func() {
			var sawToken atomic.Value
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/authenticate":
					var creds map[string]string
					Expect(json.NewDecoder(r.Body).Decode(&creds)).To(Succeed())
					Expect(creds["username"]).To(Equal("user"))
					authOK(w)
				case "/api/v1/serviceMetrics":
					sawToken.Store(r.Header.Get("X-Auth-Token"))
					json.NewEncoder(w).Encode(metricsEnvelope{})
				}
			}))
			defer srv.Close()

			c := testClient(srv.URL, nil)
			_, err := c.ServiceMetrics(context.Background(), MetricsQuery{Origin: "EUS", Dest: "MAN"})
			Expect(err).ToNot(HaveOccurred())
			Expect(sawToken.Load()).To(Equal("tok-1"))
		})

		It("fails fast on rejected credentials", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			}))
			defer srv.Close()

			c := testClient(srv.URL, nil)
			err := c.Authenticate(context.Background())

			var herr *Error
			Expect(errors.As(err, &herr)).To(BeTrue())
			Expect(herr.Kind).To(Equal(KindAuth))
		})

		It("re-authenticates once when a previously valid token goes stale", func() {
			var authCalls, dataCalls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/authenticate":
					authCalls.Add(1)
					authOK(w)
				case "/api/v1/serviceDetails":
					if dataCalls.Add(1) == 1 {
						w.WriteHeader(http.StatusUnauthorized)
						return
					}
					json.NewEncoder(w).Encode(detailsEnvelope{})
				}
			}))
			defer srv.Close()

			c := testClient(srv.URL, nil)
			_, err := c.ServiceDetails(context.Background(), "RID1")
			Expect(err).ToNot(HaveOccurred())
			Expect(authCalls.Load()).To(Equal(int32(2)))
			Expect(dataCalls.Load()).To(Equal(int32(2)))
		})
	})

	Describe("metrics query window", func() {
		captureBody := func() (*httptest.Server, *map[string]any) {
			var got map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/authenticate" {
					authOK(w)
					return
				}
				Expect(json.NewDecoder(r.Body).Decode(&got)).To(Succeed())
				json.NewEncoder(w).Encode(metricsEnvelope{})
			}))
			return srv, &got
		}

		It("defaults the departure window to the whole day", func() {
			srv, got := captureBody()
			defer srv.Close()

			c := testClient(srv.URL, nil)
			_, err := c.ServiceMetrics(context.Background(), MetricsQuery{Origin: "EUS", Dest: "MAN"})
			Expect(err).ToNot(HaveOccurred())
			Expect((*got)["from_time"]).To(Equal("0000"))
			Expect((*got)["to_time"]).To(Equal("2359"))
		})

		It("forwards a narrowed departure window", func() {
			srv, got := captureBody()
			defer srv.Close()

			c := testClient(srv.URL, nil)
			_, err := c.ServiceMetrics(context.Background(), MetricsQuery{
				Origin: "EUS", Dest: "MAN", FromTime: "0700", ToTime: "0959",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect((*got)["from_time"]).To(Equal("0700"))
			Expect((*got)["to_time"]).To(Equal("0959"))
		})
	})

	Describe("retry taxonomy", func() {
		respondWith := func(codes ...int) (*httptest.Server, *atomic.Int32) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/authenticate" {
					authOK(w)
					return
				}
				n := int(calls.Add(1))
				if n <= len(codes) && codes[n-1] != http.StatusOK {
					w.WriteHeader(codes[n-1])
					return
				}
				json.NewEncoder(w).Encode(metricsEnvelope{})
			}))
			return srv, &calls
		}

		It("retries transient server errors", func() {
			srv, calls := respondWith(http.StatusServiceUnavailable, http.StatusOK)
			defer srv.Close()

			c := testClient(srv.URL, nil)
			_, err := c.ServiceMetrics(context.Background(), MetricsQuery{})
			Expect(err).ToNot(HaveOccurred())
			Expect(calls.Load()).To(Equal(int32(2)))
		})

		It("does not retry validation failures", func() {
			srv, calls := respondWith(http.StatusBadRequest)
			defer srv.Close()

			c := testClient(srv.URL, nil)
			_, err := c.ServiceMetrics(context.Background(), MetricsQuery{})

			var herr *Error
			Expect(errors.As(err, &herr)).To(BeTrue())
			Expect(herr.Kind).To(Equal(KindValidation))
			Expect(calls.Load()).To(Equal(int32(1)))
		})

		It("gives up after the configured attempts", func() {
			srv, calls := respondWith(http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)
			defer srv.Close()

			c := testClient(srv.URL, nil)
			_, err := c.ServiceMetrics(context.Background(), MetricsQuery{})
			Expect(err).To(HaveOccurred())
			Expect(calls.Load()).To(Equal(int32(3)))

			var herr *Error
			Expect(errors.As(err, &herr)).To(BeTrue())
			Expect(herr.Kind).To(Equal(KindTransient))
		})

		It("honours Retry-After on rate limiting", func() {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/authenticate" {
					authOK(w)
					return
				}
				if calls.Add(1) == 1 {
					w.Header().Set("Retry-After", "7")
					w.WriteHeader(http.StatusTooManyRequests)
					return
				}
				json.NewEncoder(w).Encode(metricsEnvelope{})
			}))
			defer srv.Close()

			var delays []time.Duration
			c := testClient(srv.URL, &delays)
			_, err := c.ServiceMetrics(context.Background(), MetricsQuery{})
			Expect(err).ToNot(HaveOccurred())
			Expect(delays).To(ContainElement(7 * time.Second))
		})
	})

	Describe("backoff schedule", func() {
		It("grows exponentially with bounded jitter and a hard cap", func() {
			c := NewClient(Config{
				BaseURL: "http://unused",
				Retry: RetryPolicy{
					MaxAttempts:  5,
					InitialDelay: time.Second,
					MaxDelay:     10 * time.Second,
					Backoff:      2.0,
				},
			}, zap.NewNop())

			for n := 0; n < 6; n++ {
				for i := 0; i < 50; i++ {
					d := c.backoffDelay(n, nil)
					base := float64(time.Second) * pow(2.0, n)
					lo := time.Duration(base * 0.5)
					Expect(d).To(BeNumerically(">=", min64(lo, 10*time.Second)))
					Expect(d).To(BeNumerically("<=", 10*time.Second+time.Duration(base*1.5)))
					Expect(d).To(BeNumerically("<=", 10*time.Second))
				}
			}
		})
	})

	Describe("serialisation", func() {
		It("never has two requests in flight at once", func() {
			var inFlight, maxInFlight atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/authenticate" {
					authOK(w)
					return
				}
				cur := inFlight.Add(1)
				for {
					prev := maxInFlight.Load()
					if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				json.NewEncoder(w).Encode(detailsEnvelope{})
			}))
			defer srv.Close()

			c := testClient(srv.URL, nil)
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := c.ServiceDetails(context.Background(), "RID")
					Expect(err).ToNot(HaveOccurred())
				}()
			}
			wg.Wait()
			Expect(maxInFlight.Load()).To(Equal(int32(1)))
		})
	})
})

func pow(b float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= b
	}
	return out
}

func min64(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
