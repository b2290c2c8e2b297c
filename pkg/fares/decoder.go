package fares

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/models"
)

// Decoder turns a raw feed archive into fare records. The concrete wire
// layout is the decoder's business; the ingester only sees records.
type Decoder interface {
	DecodeArchive(data []byte, fetchedAt time.Time) ([]models.FareRecord, error)
}

// noFareSentinel marks "no fare set" in the feed's price field.
const noFareSentinel = 99999999

// FlowDecoder reads the fixed-width flow (.FFL) and location (.LOC) files
// inside the feed archive. Flow records ('F') describe an origin and
// destination pair; fare records ('T') attach prices to a flow by flow ID.
// Stations are keyed by NLC in the feed and translated to CRS via the
// location file; fares whose endpoints have no CRS mapping are skipped.
type FlowDecoder struct {
	logger *zap.Logger
}

// NewFlowDecoder builds the standard decoder.
func NewFlowDecoder(logger *zap.Logger) *FlowDecoder {
	return &FlowDecoder{logger: logger}
}

type flowRecord struct {
	originNLC string
	destNLC   string
	toc       string
}

// DecodeArchive implements Decoder.
func (d *FlowDecoder) DecodeArchive(data []byte, fetchedAt time.Time) ([]models.FareRecord, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open feed archive: %w", err)
	}

	nlcToCRS := make(map[string]string)
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToUpper(f.Name), ".LOC") {
			if err := d.readLocations(f, nlcToCRS); err != nil {
				d.logger.Warn("skipping unreadable location file",
					zap.String("file", f.Name), zap.Error(err))
			}
		}
	}

	var fares []models.FareRecord
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToUpper(f.Name), ".FFL") {
			continue
		}
		recs, err := d.readFlowFile(f, nlcToCRS, fetchedAt)
		if err != nil {
			d.logger.Warn("skipping unreadable flow file",
				zap.String("file", f.Name), zap.Error(err))
			continue
		}
		fares = append(fares, recs...)
	}
	d.logger.Info("fares feed decoded",
		zap.Int("locations", len(nlcToCRS)),
		zap.Int("fares", len(fares)))
	return fares, nil
}

// readLocations loads the NLC-to-CRS mapping from one location file.
// Location records carry the NLC at columns 37-40 and CRS at 57-59.
func (d *FlowDecoder) readLocations(f *zip.File, nlcToCRS map[string]string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 59 || strings.HasPrefix(line, "/!!") {
			continue
		}
		if line[1] != 'L' {
			continue
		}
		nlc := strings.TrimSpace(line[36:40])
		crs := strings.ToUpper(strings.TrimSpace(line[56:59]))
		if len(nlc) == 4 && len(crs) == 3 {
			nlcToCRS[nlc] = crs
		}
	}
	return scanner.Err()
}

// readFlowFile walks one flow file. The fixed column layout follows the
// published feed specification: flow records carry origin NLC at 3-6,
// destination NLC at 7-10, status at 16-18 ('000' is the adult scale) and
// flow ID at 43-49; fare records carry flow ID at 3-9, ticket code at
// 10-12 and the price in pence at 13-20.
func (d *FlowDecoder) readFlowFile(f *zip.File, nlcToCRS map[string]string, fetchedAt time.Time) ([]models.FareRecord, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return d.decodeFlowStream(rc, nlcToCRS, fetchedAt)
}

func (d *FlowDecoder) decodeFlowStream(r io.Reader, nlcToCRS map[string]string, fetchedAt time.Time) ([]models.FareRecord, error) {
	flows := make(map[string]flowRecord)
	var fares []models.FareRecord

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 || strings.HasPrefix(line, "/!!") {
			continue
		}
		// Leading character is the update marker; deletions are skipped.
		if line[0] == 'D' {
			continue
		}
		switch line[1] {
		case 'F':
			if len(line) < 49 {
				continue
			}
			status := strings.TrimSpace(line[15:18])
			flowID := strings.TrimSpace(line[42:49])
			if status != "000" || flowID == "" {
				continue
			}
			flows[flowID] = flowRecord{
				originNLC: strings.TrimSpace(line[2:6]),
				destNLC:   strings.TrimSpace(line[6:10]),
				toc:       strings.TrimSpace(line[36:39]),
			}
		case 'T':
			if len(line) < 20 {
				continue
			}
			flowID := strings.TrimSpace(line[2:9])
			flow, ok := flows[flowID]
			if !ok {
				continue
			}
			pence, err := strconv.Atoi(strings.TrimSpace(line[12:20]))
			if err != nil || pence <= 0 || pence >= noFareSentinel {
				continue
			}
			origin, okO := nlcToCRS[flow.originNLC]
			dest, okD := nlcToCRS[flow.destNLC]
			if !okO || !okD {
				continue
			}
			code := strings.ToUpper(strings.TrimSpace(line[9:12]))
			fares = append(fares, models.FareRecord{
				Origin:      origin,
				Destination: dest,
				TicketType:  ticketTypeFromCode(code),
				TicketClass: ticketClassFromCode(code),
				AdultPence:  pence,
				DataSource:  "fares_feed",
				FetchedAt:   fetchedAt,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return fares, nil
}

// ticketTypeFromCode maps the three-character ticket code onto the fare
// families the API serves. The caller has already upper-cased the code.
func ticketTypeFromCode(code string) models.TicketType {
	switch {
	case strings.HasPrefix(code, "7D") || strings.Contains(code, "SSN") || strings.HasPrefix(code, "SEA"):
		return models.TicketSeason
	case strings.Contains(code, "ADV") || strings.HasPrefix(code, "AP"):
		return models.TicketAdvance
	case strings.HasPrefix(code, "SOP") || strings.HasPrefix(code, "SSR"):
		return models.TicketSuperOff
	case strings.Contains(code, "OFF") || strings.HasPrefix(code, "OP") || strings.HasPrefix(code, "CDR"):
		return models.TicketOffPeak
	default:
		return models.TicketAnytime
	}
}

// ticketClassFromCode distinguishes first-class codes: the feed encodes
// class in the ticket code, with first-class families starting '1'
// (1ST, 1DY) or "FO"/"FD" (first open, first day).
func ticketClassFromCode(code string) models.TicketClass {
	if strings.HasPrefix(code, "1") ||
		strings.HasPrefix(code, "FO") || strings.HasPrefix(code, "FD") {
		return models.ClassFirst
	}
	return models.ClassStandard
}
