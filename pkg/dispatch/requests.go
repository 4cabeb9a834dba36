package dispatch

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/phenomenon0/surebet/pkg/eth"
	"github.com/phenomenon0/surebet/pkg/surebet"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Duration units accepted by CreateBetRequest.
const (
	UnitHours = "hours"
	UnitDays  = "days"
)

// DefaultDuration is used when a create request leaves the duration empty.
const (
	DefaultDurationAmount = 7
	DefaultDurationUnit   = UnitDays
)

// MaxBetDuration is the longest betting period a create request may ask for.
const MaxBetDuration = 10 * 365 * 24 * time.Hour

// CreateBetRequest opens a bet lasting Duration Units.
type CreateBetRequest struct {
	Description string `json:"description" validate:"required"`
	Duration    int64  `json:"duration" validate:"gt=0"`
	Unit        string `json:"unit" validate:"omitempty,oneof=hours days"`
}

// Normalize cleans the description and fills the default unit.
func (r CreateBetRequest) Normalize() CreateBetRequest {
	r.Description = surebet.NormalizeDescription(r.Description)
	if r.Unit == "" {
		r.Unit = DefaultDurationUnit
	}
	return r
}

func (r CreateBetRequest) unitLength() time.Duration {
	if r.Unit == UnitHours {
		return time.Hour
	}
	return 24 * time.Hour
}

// Period returns the requested duration. It is only meaningful for a
// request that passed validation.
func (r CreateBetRequest) Period() time.Duration {
	return time.Duration(r.Duration) * r.unitLength()
}

// validate checks struct tags, then the bounds that depend on the unit or
// are counted in runes.
func (r CreateBetRequest) validate() error {
	if err := check(r); err != nil {
		return err
	}
	if n := utf8.RuneCountInString(r.Description); n > surebet.MaxDescriptionLength {
		return surebet.Invalid("description", "must be at most %d characters, got %d", surebet.MaxDescriptionLength, n)
	}
	if limit := int64(MaxBetDuration / r.unitLength()); r.Duration > limit {
		return surebet.Invalid("duration", "must be at most %d %s", limit, r.Unit)
	}
	return nil
}

// PlaceBetRequest stakes Amount ether on Option of bet BetID.
type PlaceBetRequest struct {
	BetID  uint64         `json:"bet_id"`
	Option surebet.Option `json:"option" validate:"oneof=1 2"`
	Amount string         `json:"amount" validate:"required"`
}

// Wei parses Amount into a positive wei value.
func (r PlaceBetRequest) Wei() (*big.Int, error) {
	wei, err := eth.ParseEther(r.Amount)
	if err != nil {
		return nil, surebet.Invalid("amount", "%v", err)
	}
	if wei.Sign() <= 0 {
		return nil, surebet.Invalid("amount", "must be greater than 0")
	}
	return wei, nil
}

// ResolveBetRequest declares Option the winner of bet BetID.
type ResolveBetRequest struct {
	BetID  uint64         `json:"bet_id"`
	Option surebet.Option `json:"option" validate:"oneof=1 2"`
}

// ClaimRequest withdraws the caller's winnings from bet BetID.
type ClaimRequest struct {
	BetID uint64 `json:"bet_id"`
}

// check runs struct validation and reports the first failure as a
// *surebet.ValidationError.
func check(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return surebet.Invalid("", "%v", err)
	}

	fe := verrs[0]
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "gt":
		reason = fmt.Sprintf("must be greater than %s", fe.Param())
	case "max":
		reason = fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		reason = fmt.Sprintf("must be one of %s", fe.Param())
	default:
		reason = fmt.Sprintf("failed %s", fe.Tag())
	}
	return &surebet.ValidationError{Field: fe.Field(), Reason: reason}
}
