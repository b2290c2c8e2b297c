package server

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var _ = Describe("Fingerprint", func() {
	It("is a 16-character hex digest", func() {
		fp := Fingerprint("203.0.113.9", "Mozilla/5.0")
		Expect(fp).To(HaveLen(16))
		Expect(fp).To(MatchRegexp(`^[0-9a-f]{16}$`))
	})

	It("separates IP and user agent so neither can impersonate the pair", func() {
		Expect(Fingerprint("203.0.113.9", "agent")).
			ToNot(Equal(Fingerprint("203.0.113.9:agent", "")))
	})

	It("differs across users and agents", func() {
		base := Fingerprint("203.0.113.9", "Mozilla/5.0")
		Expect(Fingerprint("203.0.113.10", "Mozilla/5.0")).ToNot(Equal(base))
		Expect(Fingerprint("203.0.113.9", "curl/8.0")).ToNot(Equal(base))
	})
})

var _ = Describe("RateLimiter", func() {
	var (
		rl  *RateLimiter
		now time.Time
		fp  string
	)

	BeforeEach(func() {
		rl = NewRateLimiter(100, 1000, zap.NewNop())
		now = time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
		rl.now = func() time.Time { return now }
		fp = Fingerprint("203.0.113.9", "test")
	})

	It("allows up to the per-minute quota and denies the next request", func() {
		for i := 0; i < 100; i++ {
			ok, _ := rl.Allow(fp)
			Expect(ok).To(BeTrue())
		}
		ok, retryAfter := rl.Allow(fp)
		Expect(ok).To(BeFalse())
		Expect(retryAfter).To(BeNumerically(">=", time.Second))
		Expect(retryAfter).To(BeNumerically("<=", time.Minute))
	})

	It("frees quota as the minute window rolls forward", func() {
		for i := 0; i < 100; i++ {
			ok, _ := rl.Allow(fp)
			Expect(ok).To(BeTrue())
		}
		now = now.Add(61 * time.Second)
		ok, _ := rl.Allow(fp)
		Expect(ok).To(BeTrue())
	})

	It("enforces the daily quota across minute windows", func() {
		for i := 0; i < 1000; i++ {
			// Spread requests so the minute limit never trips.
			if i%50 == 0 {
				now = now.Add(time.Minute)
			}
			ok, _ := rl.Allow(fp)
			Expect(ok).To(BeTrue())
		}
		now = now.Add(2 * time.Minute)
		ok, retryAfter := rl.Allow(fp)
		Expect(ok).To(BeFalse())
		Expect(retryAfter).To(Equal(time.Minute))
	})

	It("tracks fingerprints independently", func() {
		other := Fingerprint("198.51.100.1", "test")
		for i := 0; i < 100; i++ {
			rl.Allow(fp)
		}
		ok, _ := rl.Allow(other)
		Expect(ok).To(BeTrue())
	})

	It("sweeps idle fingerprints after a day", func() {
		rl.Allow(fp)
		now = now.Add(25 * time.Hour)
		rl.sweep()
		Expect(rl.history).To(BeEmpty())
	})

	Describe("Reset", func() {
		It("clears one fingerprint", func() {
			for i := 0; i < 100; i++ {
				rl.Allow(fp)
			}
			Expect(rl.Reset(fp)).To(Equal(1))
			ok, _ := rl.Allow(fp)
			Expect(ok).To(BeTrue())
		})

		It("clears everything when the fingerprint is empty", func() {
			rl.Allow(fp)
			rl.Allow(Fingerprint("198.51.100.1", "test"))
			Expect(rl.Reset("")).To(Equal(2))
		})

		It("reports zero for an unknown fingerprint", func() {
			Expect(rl.Reset("deadbeefdeadbeef")).To(BeZero())
		})
	})
})
