package engine

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"taskflow/internal/errs"
)

const (
	maxNameLen        = 100
	maxTitleLen       = 200
	maxDescriptionLen = 2000
	maxCommentLen     = 500
	minPasswordLen    = 8
)

func lengthBetween(field, v string, min, max int) error {
	n := utf8.RuneCountInString(v)
	if n < min || n > max {
		return errs.Invalid("invalid_"+field, fmt.Sprintf("%s must be %d-%d characters", field, min, max))
	}
	return nil
}

func validateEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", errs.Invalid("invalid_email", "email is not valid")
	}
	return email, nil
}

func validatePassword(pw string) error {
	if len(pw) < minPasswordLen {
		return errs.Invalid("weak_password", fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	var upper, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !digit {
		return errs.Invalid("weak_password", "password needs an uppercase letter and a digit")
	}
	return nil
}
