package manual

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/mattjoyce/shunter/internal/motion"
)

// ForwardRequest is the body of a manual Forward.
type ForwardRequest struct {
	Speed *int `json:"speed" validate:"required,speed"`
}

// ReverseRequest is the body of a manual Reverse. Duration is in seconds.
type ReverseRequest struct {
	Speed    *int     `json:"speed" validate:"required,speed"`
	Duration *float64 `json:"duration" validate:"required,gt=0,reverse_duration"`
}

type requestValidator struct {
	v     *validator.Validate
	trans ut.Translator
}

// newValidator builds a validator whose speed and reverse_duration tags are
// bound to the configured actuator limits.
func newValidator(l motion.Limits) *requestValidator {
	enLoc := en.New()
	uni := ut.New(enLoc, enLoc)
	trans, _ := uni.GetTranslator("en")

	v := validator.New(validator.WithRequiredStructEnabled())

	// prefer json tag names in messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := fld.Tag.Get("json")
		if tag == "-" || tag == "" {
			return fld.Name
		}
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		return tag
	})
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	_ = v.RegisterValidation("speed", func(fl validator.FieldLevel) bool {
		s := fl.Field().Int()
		return s >= int64(l.SpeedMin) && s <= int64(l.SpeedMax)
	})
	_ = v.RegisterTranslation("speed", trans,
		func(ut ut.Translator) error {
			return ut.Add("speed", "{0} must be between {1} and {2}", true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			msg, _ := ut.T("speed", fe.Field(), fmt.Sprint(l.SpeedMin), fmt.Sprint(l.SpeedMax))
			return msg
		},
	)

	_ = v.RegisterValidation("reverse_duration", func(fl validator.FieldLevel) bool {
		if l.MaxReverseDuration <= 0 {
			return true
		}
		return fl.Field().Float() <= l.MaxReverseDuration.Seconds()
	})
	_ = v.RegisterTranslation("reverse_duration", trans,
		func(ut ut.Translator) error {
			return ut.Add("reverse_duration", "{0} must be at most {1} seconds", true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			msg, _ := ut.T("reverse_duration", fe.Field(), fmt.Sprint(l.MaxReverseDuration.Seconds()))
			return msg
		},
	)

	return &requestValidator{v: v, trans: trans}
}

// check validates req and turns the first failure into an ErrRejected.
func (rv *requestValidator) check(req any) error {
	err := rv.v.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: %s", ErrRejected, verrs[0].Translate(rv.trans))
	}
	return fmt.Errorf("%w: %v", ErrRejected, err)
}
