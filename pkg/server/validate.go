package server

import (
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// maxBookingHorizonDays bounds how far ahead a journey may be predicted.
const maxBookingHorizonDays = 90

var (
	crsPattern  = regexp.MustCompile(`^[A-Z]{3}$`)
	hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
)

// PredictRequest is the body of POST /api/predict.
type PredictRequest struct {
	Origin       string `json:"origin" validate:"required,crs"`
	Destination  string `json:"destination" validate:"required,crs,nefield=Origin"`
	Date         string `json:"departure_date" validate:"required,traveldate"`
	Time         string `json:"departure_time" validate:"required,hhmm"`
	TOC          string `json:"operator" validate:"omitempty,min=2,max=4"`
	IncludeFares bool   `json:"include_fares"`
}

// FeedbackRequest is the body of POST /api/feedback.
type FeedbackRequest struct {
	RequestID    string   `json:"request_id" validate:"required"`
	ActualDelay  *float64 `json:"actual_delay_minutes" validate:"omitempty,gte=-180,lte=720"`
	WasCancelled bool     `json:"was_cancelled"`
	Rating       int      `json:"rating" validate:"required,min=1,max=5"`
	Comment      string   `json:"comment" validate:"max=500"`
}

// ResetRateLimitRequest is the body of POST /api/reset-rate-limit. An
// empty fingerprint resets every caller.
type ResetRateLimitRequest struct {
	Fingerprint string `json:"fingerprint" validate:"omitempty,len=16,hexadecimal"`
}

// newValidator registers the domain rules on a validator instance.
func newValidator() *validator.Validate {
	v := validator.New()

	v.RegisterValidation("crs", func(fl validator.FieldLevel) bool {
		return crsPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		return hhmmPattern.MatchString(fl.Field().String())
	})
	// traveldate: a calendar date between today and today+90, inclusive.
	v.RegisterValidation("traveldate", func(fl validator.FieldLevel) bool {
		d, err := time.Parse("2006-01-02", fl.Field().String())
		if err != nil {
			return false
		}
		today := time.Now().Truncate(24 * time.Hour)
		horizon := today.AddDate(0, 0, maxBookingHorizonDays)
		return !d.Before(today) && !d.After(horizon)
	})
	return v
}

// fieldErrors flattens validator output into the 422 payload.
func fieldErrors(err error) []FieldError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "body", Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Message: validationMessage(fe),
		})
	}
	return out
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "crs":
		return "must be a three-letter CRS code (A-Z)"
	case "hhmm":
		return "must be a 24-hour HH:MM time"
	case "traveldate":
		return "must be a date between today and 90 days ahead"
	case "nefield":
		return "must differ from origin"
	case "min", "gte":
		return "is below the allowed minimum"
	case "max", "lte":
		return "is above the allowed maximum"
	case "len":
		return "has the wrong length"
	case "hexadecimal":
		return "must be hexadecimal"
	default:
		return "is invalid"
	}
}
