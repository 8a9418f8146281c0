package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/robfig/cron/v3"
)

// cronSamples is the number of consecutive runs ParseCron looks at
const cronSamples = 16

// ParseCron parses a five field cron expression or a descriptor like @daily
// and returns the shortest gap between two consecutive runs.
func ParseCron(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty cron expression")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return 0, err
	}

	var shortest time.Duration
	prev := sched.Next(time.Now())
	for range cronSamples {
		next := sched.Next(prev)
		if next.IsZero() {
			break
		}
		if gap := next.Sub(prev); shortest == 0 || gap < shortest {
			shortest = gap
		}
		prev = next
	}
	if shortest == 0 {
		return 0, fmt.Errorf("cron expression %q never repeats", expr)
	}
	return shortest, nil
}

var ErrISOFormat error = errors.New("invalid ISO8601 duration")

type isoUnit struct {
	symbol rune
	size   time.Duration
}

var (
	isoDate = []isoUnit{{'W', 7 * 24 * time.Hour}, {'D', 24 * time.Hour}}
	isoTime = []isoUnit{{'H', time.Hour}, {'M', time.Minute}, {'S', time.Second}}

	isoNumber = regexp.MustCompile(`^\d+([.,]\d{1,9})?$`)
)

// ParseISODuration parses the week, day and time designators of an
// ISO-8601 duration like P1DT12H or PT0,5S. Years and months have no fixed
// length and are rejected.
func ParseISODuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, ErrISOFormat
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if hasT && clock == "" {
		return 0, ErrISOFormat
	}
	d, err := isoSum(date, isoDate)
	if err != nil {
		return 0, err
	}
	t, err := isoSum(clock, isoTime)
	if err != nil {
		return 0, err
	}
	if d > math.MaxInt64-t {
		return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
	}
	return d + t, nil
}

// isoSum adds up number and designator pairs, designators must follow the
// order of units and appear at most once
func isoSum(s string, units []isoUnit) (time.Duration, error) {
	var total time.Duration
	for s != "" {
		i := strings.IndexFunc(s, unicode.IsLetter)
		if i <= 0 {
			return 0, ErrISOFormat
		}
		num, symbol := s[:i], rune(s[i])
		s = s[i+1:]

		j := 0
		for j < len(units) && units[j].symbol != symbol {
			j++
		}
		if j == len(units) || !isoNumber.MatchString(num) {
			return 0, ErrISOFormat
		}
		unit := units[j].size
		units = units[j+1:]

		whole, frac, _ := strings.Cut(strings.Replace(num, ",", ".", 1), ".")
		n, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || n > int64(math.MaxInt64/unit) {
			return 0, fmt.Errorf("%w: %s out of range", ErrISOFormat, num)
		}
		d := time.Duration(n) * unit
		if frac != "" {
			f, _ := strconv.ParseFloat("0."+frac, 64)
			d += time.Duration(f * float64(unit))
		}
		if total > math.MaxInt64-d {
			return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
		}
		total += d
	}
	return total, nil
}

var shortDurationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// ParseShortDuration parses durations used in the config file, like 1h30m or 10s.
// Day, hour, minute and second segments must be ordered.
func ParseShortDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := shortDurationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration format %q", s)
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		val, err := strconv.ParseInt(seg[:len(seg)-1], 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		var unit time.Duration
		switch seg[len(seg)-1] {
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		}
		if val > int64(math.MaxInt64/unit) || total > time.Duration(math.MaxInt64)-time.Duration(val)*unit {
			return 0, errors.New("duration overflow")
		}
		total += time.Duration(val) * unit
	}
	return total, nil
}
