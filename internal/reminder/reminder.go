package reminder

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Origin records which command created a reminder. It only drives grouping
// in listings.
type Origin string

const (
	OriginIn    Origin = "in"
	OriginAt    Origin = "at"
	OriginOn    Origin = "on"
	OriginEvery Origin = "every"
)

// MaxMessageLen is the stored message cap, in runes.
const MaxMessageLen = 250

// RepeatMeta describes how a recurring reminder computes its next instant.
type RepeatMeta struct {
	Type           string `json:"type" validate:"required,repeatkind"`
	UserDayOfMonth int    `json:"userDayOfMonth,omitempty" validate:"omitempty,min=1,max=31"`
}

// Reminder is the persisted record.
//
// RemindAt and PausedAt are epoch milliseconds.
type Reminder struct {
	ID           string      `json:"id"`
	UserID       string      `json:"userId" validate:"required"`
	ChannelID    string      `json:"channelId" validate:"required"`
	RemindAt     int64       `json:"remindAt" validate:"gt=0"`
	Message      string      `json:"message" validate:"max=250"`
	Recurring    bool        `json:"recurring"`
	RepeatMeta   *RepeatMeta `json:"repeatMeta,omitempty" validate:"required_if=Recurring true"`
	Paused       bool        `json:"paused"`
	PausedAt     int64       `json:"pausedAt,omitempty"`
	FailureCount int         `json:"failureCount"`
	MessageID    string      `json:"messageId,omitempty"`
	Origin       Origin      `json:"origin,omitempty" validate:"omitempty,oneof=in at on every"`
	CreatedAt    int64       `json:"createdAt,omitempty"`
}

// Due returns RemindAt as a time.Time.
func (r Reminder) Due() time.Time { return time.UnixMilli(r.RemindAt) }

// Clone returns a copy that shares no pointers with r.
func (r Reminder) Clone() Reminder {
	cp := r
	if r.RepeatMeta != nil {
		m := *r.RepeatMeta
		cp.RepeatMeta = &m
	}
	return cp
}

// ShortID is the prefix shown in listings.
func (r Reminder) ShortID() string {
	if len(r.ID) <= 8 {
		return r.ID
	}
	return r.ID[:8]
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("repeatkind", func(fl validator.FieldLevel) bool {
		return IsKnownKind(NormalizeKind(fl.Field().String()))
	})
	return v
}

// Validate rejects records with inconsistent fields, such as recurring
// without a known repeat kind. Errors wrap ErrInvalidRecord.
func Validate(r Reminder) error {
	if err := validate.Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fe.Namespace()+" failed "+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(parts, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}
