package fares_test

import (
	"archive/zip"
	"bytes"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/fares"
	"github.com/xianyu-ding/RailFair/pkg/models"
)

// line builds a fixed-width record: each placement is (column, text).
func line(width int, fields ...any) string {
	buf := []byte(strings.Repeat(" ", width))
	for i := 0; i < len(fields); i += 2 {
		col := fields[i].(int)
		txt := fields[i+1].(string)
		copy(buf[col:], txt)
	}
	return string(buf)
}

func locLine(nlc, crs string) string {
	return line(60, 0, "R", 1, "L", 36, nlc, 56, crs)
}

func flowLine(originNLC, destNLC, status, toc, flowID string) string {
	return line(60, 0, "R", 1, "F", 2, originNLC, 6, destNLC, 15, status, 36, toc, 42, flowID)
}

func fareLine(flowID, ticketCode, pence string) string {
	return line(24, 0, "R", 1, "T", 2, flowID, 9, ticketCode, 12, pence)
}

func archive(files map[string][]string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, lines := range files {
		w, err := zw.Create(name)
		Expect(err).ToNot(HaveOccurred())
		_, err = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
		Expect(err).ToNot(HaveOccurred())
	}
	Expect(zw.Close()).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("FlowDecoder", func() {
	var (
		decoder   *fares.FlowDecoder
		fetchedAt time.Time
	)

	BeforeEach(func() {
		decoder = fares.NewFlowDecoder(zap.NewNop())
		fetchedAt = time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)
	})

	It("joins flow and fare records through the NLC-to-CRS mapping", func() {
		data := archive(map[string][]string{
			"RJFAF499.LOC": {
				locLine("1444", "EUS"),
				locLine("2968", "MAN"),
			},
			"RJFAF499.FFL": {
				flowLine("1444", "2968", "000", "VT ", "012345 "),
				fareLine("012345 ", "SOS", "   18550"),
				fareLine("012345 ", "SVR", "    9820"),
			},
		})

		recs, err := decoder.DecodeArchive(data, fetchedAt)
		Expect(err).ToNot(HaveOccurred())
		Expect(recs).To(HaveLen(2))
		Expect(recs[0].Origin).To(Equal("EUS"))
		Expect(recs[0].Destination).To(Equal("MAN"))
		Expect(recs[0].AdultPence).To(Equal(18550))
		Expect(recs[0].DataSource).To(Equal("fares_feed"))
		Expect(recs[0].FetchedAt).To(Equal(fetchedAt))
	})

	It("ignores non-adult fare scales", func() {
		data := archive(map[string][]string{
			"RJFAF499.LOC": {locLine("1444", "EUS"), locLine("2968", "MAN")},
			"RJFAF499.FFL": {
				flowLine("1444", "2968", "S01", "VT ", "012345 "),
				fareLine("012345 ", "SOS", "   18550"),
			},
		})

		recs, err := decoder.DecodeArchive(data, fetchedAt)
		Expect(err).ToNot(HaveOccurred())
		Expect(recs).To(BeEmpty())
	})

	It("skips deletion records", func() {
		deleted := "D" + flowLine("1444", "2968", "000", "VT ", "012345 ")[1:]
		data := archive(map[string][]string{
			"RJFAF499.LOC": {locLine("1444", "EUS"), locLine("2968", "MAN")},
			"RJFAF499.FFL": {
				deleted,
				fareLine("012345 ", "SOS", "   18550"),
			},
		})

		recs, err := decoder.DecodeArchive(data, fetchedAt)
		Expect(err).ToNot(HaveOccurred())
		Expect(recs).To(BeEmpty())
	})

	It("skips comment lines", func() {
		data := archive(map[string][]string{
			"RJFAF499.LOC": {
				"/!! comment header",
				locLine("1444", "EUS"),
				locLine("2968", "MAN"),
			},
			"RJFAF499.FFL": {
				"/!! flow file",
				flowLine("1444", "2968", "000", "VT ", "012345 "),
				fareLine("012345 ", "SOS", "   18550"),
			},
		})

		recs, err := decoder.DecodeArchive(data, fetchedAt)
		Expect(err).ToNot(HaveOccurred())
		Expect(recs).To(HaveLen(1))
	})

	It("drops fares whose endpoints have no CRS mapping", func() {
		data := archive(map[string][]string{
			"RJFAF499.LOC": {locLine("1444", "EUS")}, // destination NLC missing
			"RJFAF499.FFL": {
				flowLine("1444", "2968", "000", "VT ", "012345 "),
				fareLine("012345 ", "SOS", "   18550"),
			},
		})

		recs, err := decoder.DecodeArchive(data, fetchedAt)
		Expect(err).ToNot(HaveOccurred())
		Expect(recs).To(BeEmpty())
	})

	It("drops the no-fare sentinel price", func() {
		data := archive(map[string][]string{
			"RJFAF499.LOC": {locLine("1444", "EUS"), locLine("2968", "MAN")},
			"RJFAF499.FFL": {
				flowLine("1444", "2968", "000", "VT ", "012345 "),
				fareLine("012345 ", "SOS", "99999999"),
			},
		})

		recs, err := decoder.DecodeArchive(data, fetchedAt)
		Expect(err).ToNot(HaveOccurred())
		Expect(recs).To(BeEmpty())
	})

	It("rejects a payload that is not a zip archive", func() {
		_, err := decoder.DecodeArchive([]byte("<html>maintenance page</html>"), fetchedAt)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ticket code mapping", func() {
	It("classifies common codes into fare families", func() {
		data := archive(map[string][]string{
			"RJFAF499.LOC": {locLine("1444", "EUS"), locLine("2968", "MAN")},
			"RJFAF499.FFL": {
				flowLine("1444", "2968", "000", "VT ", "012345 "),
				fareLine("012345 ", "SOS", "    1000"), // anytime by default
				fareLine("012345 ", "CDR", "    2000"), // off-peak
				fareLine("012345 ", "SSR", "    3000"), // super off-peak
				fareLine("012345 ", "APO", "    4000"), // advance
				fareLine("012345 ", "7DS", "    5000"), // seven-day season
			},
		})

		decoder := fares.NewFlowDecoder(zap.NewNop())
		recs, err := decoder.DecodeArchive(data, time.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(recs).To(HaveLen(5))

		byType := map[models.TicketType]int{}
		for _, r := range recs {
			byType[r.TicketType] = r.AdultPence
		}
		Expect(byType[models.TicketAnytime]).To(Equal(1000))
		Expect(byType[models.TicketOffPeak]).To(Equal(2000))
		Expect(byType[models.TicketSuperOff]).To(Equal(3000))
		Expect(byType[models.TicketAdvance]).To(Equal(4000))
		Expect(byType[models.TicketSeason]).To(Equal(5000))
	})

	It("separates first-class codes from standard", func() {
		data := archive(map[string][]string{
			"RJFAF499.LOC": {locLine("1444", "EUS"), locLine("2968", "MAN")},
			"RJFAF499.FFL": {
				flowLine("1444", "2968", "000", "VT ", "012345 "),
				fareLine("012345 ", "SOS", "    1000"),
				fareLine("012345 ", "FOR", "    9000"), // first open return
				fareLine("012345 ", "1DY", "    7000"), // first day
			},
		})

		decoder := fares.NewFlowDecoder(zap.NewNop())
		recs, err := decoder.DecodeArchive(data, time.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(recs).To(HaveLen(3))

		byClass := map[models.TicketClass]int{}
		for _, r := range recs {
			byClass[r.TicketClass]++
		}
		Expect(byClass[models.ClassStandard]).To(Equal(1))
		Expect(byClass[models.ClassFirst]).To(Equal(2))
	})
})
