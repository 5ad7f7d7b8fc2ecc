package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/damedic/fhirpath-go/datatype"
)

// DateTimePrecision is the precision of a temporal value.
//
// It is also an Element itself, produced by precision literals like `day`.
type DateTimePrecision string

const (
	DateTimePrecisionYear        DateTimePrecision = "year"
	DateTimePrecisionMonth       DateTimePrecision = "month"
	DateTimePrecisionWeek        DateTimePrecision = "week"
	DateTimePrecisionDay         DateTimePrecision = "day"
	DateTimePrecisionHour        DateTimePrecision = "hour"
	DateTimePrecisionMinute      DateTimePrecision = "minute"
	DateTimePrecisionSecond      DateTimePrecision = "second"
	DateTimePrecisionMillisecond DateTimePrecision = "millisecond"
)

// ParseDateTimePrecision accepts singular and plural precision names.
func ParseDateTimePrecision(s string) (DateTimePrecision, bool) {
	p := DateTimePrecision(strings.TrimSuffix(s, "s"))
	if p.order() < 0 {
		return "", false
	}
	return p, true
}

func (p DateTimePrecision) order() int {
	switch p {
	case DateTimePrecisionYear:
		return 0
	case DateTimePrecisionMonth:
		return 1
	case DateTimePrecisionWeek:
		return 2
	case DateTimePrecisionDay:
		return 3
	case DateTimePrecisionHour:
		return 4
	case DateTimePrecisionMinute:
		return 5
	case DateTimePrecisionSecond:
		return 6
	case DateTimePrecisionMillisecond:
		return 7
	default:
		return -1
	}
}

// includes reports whether a value of precision p carries the component level.
func (p DateTimePrecision) includes(level DateTimePrecision) bool {
	return p.order() >= level.order()
}

func (p DateTimePrecision) Children(name ...string) Collection {
	return nil
}
func (p DateTimePrecision) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	return false, false, conversionError[DateTimePrecision, Boolean]()
}
func (p DateTimePrecision) ToString(explicit bool) (v String, ok bool, err error) {
	if explicit {
		return String(p), true, nil
	}
	return "", false, implicitConversionError[DateTimePrecision, String](p)
}
func (p DateTimePrecision) ToInteger(explicit bool) (v Integer, ok bool, err error) {
	return 0, false, conversionError[DateTimePrecision, Integer]()
}
func (p DateTimePrecision) ToLong(explicit bool) (v Long, ok bool, err error) {
	return 0, false, conversionError[DateTimePrecision, Long]()
}
func (p DateTimePrecision) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	return Decimal{}, false, conversionError[DateTimePrecision, Decimal]()
}
func (p DateTimePrecision) ToDate(explicit bool) (v Date, ok bool, err error) {
	return Date{}, false, conversionError[DateTimePrecision, Date]()
}
func (p DateTimePrecision) ToTime(explicit bool) (v Time, ok bool, err error) {
	return Time{}, false, conversionError[DateTimePrecision, Time]()
}
func (p DateTimePrecision) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return DateTime{}, false, conversionError[DateTimePrecision, DateTime]()
}
func (p DateTimePrecision) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	return Quantity{}, false, conversionError[DateTimePrecision, Quantity]()
}
func (p DateTimePrecision) Equal(other Element) (eq bool, ok bool) {
	o, isPrecision := other.(DateTimePrecision)
	return isPrecision && p == o, true
}
func (p DateTimePrecision) Equivalent(other Element) bool {
	eq, _ := p.Equal(other)
	return eq
}
func (p DateTimePrecision) TypeInfo() datatype.DataType {
	return datatype.Any
}
func (p DateTimePrecision) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}
func (p DateTimePrecision) String() string {
	return string(p)
}

var comparisonLevels = []DateTimePrecision{
	DateTimePrecisionYear,
	DateTimePrecisionMonth,
	DateTimePrecisionDay,
	DateTimePrecisionHour,
	DateTimePrecisionMinute,
	DateTimePrecisionSecond,
}

func compareAtLevel(a, b time.Time, level DateTimePrecision) int {
	switch level {
	case DateTimePrecisionYear:
		return compareInts(a.Year(), b.Year())
	case DateTimePrecisionMonth:
		return compareInts(int(a.Month()), int(b.Month()))
	case DateTimePrecisionDay:
		return compareInts(a.Day(), b.Day())
	case DateTimePrecisionHour:
		return compareInts(a.Hour(), b.Hour())
	case DateTimePrecisionMinute:
		return compareInts(a.Minute(), b.Minute())
	case DateTimePrecisionSecond:
		if cmp := compareInts(a.Second(), b.Second()); cmp != 0 {
			return cmp
		}
		return compareMillisWithinSecond(a, b)
	default:
		return 0
	}
}

func compareMillisWithinSecond(a, b time.Time) int {
	aMillis := a.Nanosecond() / int(time.Millisecond)
	bMillis := b.Nanosecond() / int(time.Millisecond)
	return compareInts(aMillis, bMillis)
}

// compareTemporal compares level by level, starting with from.
// The result is indeterminate (ok=false) once only one side has a level.
// Seconds and milliseconds form a single level.
func compareTemporal(a time.Time, ap DateTimePrecision, b time.Time, bp DateTimePrecision, from DateTimePrecision) (cmp int, ok bool) {
	for _, level := range comparisonLevels {
		if level.order() < from.order() {
			continue
		}
		leftHas := ap.includes(level)
		rightHas := bp.includes(level)

		if !leftHas && !rightHas {
			break
		}
		if leftHas && rightHas {
			if cmp := compareAtLevel(a, b, level); cmp != 0 {
				return cmp, true
			}
			continue
		}
		return 0, false
	}
	return 0, true
}

type Date struct {
	defaultConversionError[Date]
	Value     time.Time
	Precision DateTimePrecision
}

func (d Date) Children(name ...string) Collection {
	return nil
}
func (d Date) ToString(explicit bool) (v String, ok bool, err error) {
	if explicit {
		return String(d.String()), true, nil
	}
	return "", false, implicitConversionError[Date, String](d)
}
func (d Date) ToDate(explicit bool) (v Date, ok bool, err error) {
	return d, true, nil
}
func (d Date) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return DateTime{
		Value:     d.Value,
		Precision: d.Precision,
	}, true, nil
}
func (d Date) Equal(other Element) (eq bool, ok bool) {
	switch o := other.(type) {
	case Date:
		cmp, cmpOK := compareTemporal(d.Value, d.Precision, o.Value, o.Precision, DateTimePrecisionYear)
		return cmpOK && cmp == 0, true
	case DateTime:
		dt, _, _ := d.ToDateTime(false)
		return dt.Equal(o)
	}
	return false, true
}
func (d Date) Equivalent(other Element) bool {
	eq, ok := d.Equal(other)
	return ok && eq
}
func (d Date) Cmp(other Element) (cmp int, ok bool, err error) {
	switch o := other.(type) {
	case Date:
		cmp, ok := compareTemporal(d.Value, d.Precision, o.Value, o.Precision, DateTimePrecisionYear)
		return cmp, ok, nil
	case DateTime:
		dt, _, _ := d.ToDateTime(false)
		return dt.Cmp(o)
	}
	return 0, false, typeError("can not compare Date to %s, left: %v right: %v", other.TypeInfo(), d, other)
}
func (d Date) Add(ctx context.Context, other Element) (Element, error) {
	result, err := shiftTemporal(ctx, d.Value, other, false, dateUnits)
	if err != nil {
		return nil, err
	}
	return Date{Value: result, Precision: d.Precision}, nil
}
func (d Date) Subtract(ctx context.Context, other Element) (Element, error) {
	result, err := shiftTemporal(ctx, d.Value, other, true, dateUnits)
	if err != nil {
		return nil, err
	}
	return Date{Value: result, Precision: d.Precision}, nil
}
func (d Date) TypeInfo() datatype.DataType {
	return datatype.Date
}
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
func (d Date) String() string {
	return formatDate(d.Value, d.Precision)
}

func formatDate(t time.Time, p DateTimePrecision) string {
	switch p {
	case DateTimePrecisionYear:
		return t.Format(DateFormatOnlyYear)
	case DateTimePrecisionMonth:
		return t.Format(DateFormatUpToMonth)
	default:
		return t.Format(DateFormatFull)
	}
}

type Time struct {
	defaultConversionError[Time]
	Value     time.Time
	Precision DateTimePrecision
}

func (t Time) Children(name ...string) Collection {
	return nil
}
func (t Time) ToString(explicit bool) (v String, ok bool, err error) {
	if explicit {
		return String(t.String()), true, nil
	}
	return "", false, implicitConversionError[Time, String](t)
}
func (t Time) ToTime(explicit bool) (v Time, ok bool, err error) {
	return t, true, nil
}
func (t Time) Equal(other Element) (eq bool, ok bool) {
	o, isTime := other.(Time)
	if !isTime {
		return false, true
	}
	cmp, cmpOK := compareTemporal(t.Value, t.Precision, o.Value, o.Precision, DateTimePrecisionHour)
	return cmpOK && cmp == 0, true
}
func (t Time) Equivalent(other Element) bool {
	eq, ok := t.Equal(other)
	return ok && eq
}
func (t Time) Cmp(other Element) (cmp int, ok bool, err error) {
	o, isTime := other.(Time)
	if !isTime {
		return 0, false, typeError("can not compare Time to %s, left: %v right: %v", other.TypeInfo(), t, other)
	}
	cmp, ok = compareTemporal(t.Value, t.Precision, o.Value, o.Precision, DateTimePrecisionHour)
	return cmp, ok, nil
}
func (t Time) Add(ctx context.Context, other Element) (Element, error) {
	result, err := shiftTemporal(ctx, t.Value, other, false, timeUnits)
	if err != nil {
		return nil, err
	}
	return Time{Value: wrapDay(result), Precision: t.Precision}, nil
}
func (t Time) Subtract(ctx context.Context, other Element) (Element, error) {
	result, err := shiftTemporal(ctx, t.Value, other, true, timeUnits)
	if err != nil {
		return nil, err
	}
	return Time{Value: wrapDay(result), Precision: t.Precision}, nil
}

// wrapDay moves a time of day back onto the reference day, so 23:00 + 2 hours is 01:00.
func wrapDay(t time.Time) time.Time {
	return time.Date(0, time.January, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func (t Time) TypeInfo() datatype.DataType {
	return datatype.Time
}
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}
func (t Time) String() string {
	return formatTime(t.Value, t.Precision, false)
}

func formatTime(t time.Time, p DateTimePrecision, withTZ bool) string {
	var layout string
	switch p {
	case DateTimePrecisionHour:
		layout = TimeFormatOnlyHour
	case DateTimePrecisionMinute:
		layout = TimeFormatUpToMinute
	case DateTimePrecisionSecond:
		layout = TimeFormatUpToSecond
	default:
		layout = TimeFormatMillisecond
	}
	if withTZ {
		layout += "Z07:00"
	}
	return t.Format(layout)
}

type DateTime struct {
	defaultConversionError[DateTime]
	Value       time.Time
	Precision   DateTimePrecision
	HasTimeZone bool
}

func (dt DateTime) Children(name ...string) Collection {
	return nil
}
func (dt DateTime) ToString(explicit bool) (v String, ok bool, err error) {
	if explicit {
		return String(dt.String()), true, nil
	}
	return "", false, implicitConversionError[DateTime, String](dt)
}
func (dt DateTime) ToDate(explicit bool) (v Date, ok bool, err error) {
	if explicit {
		precision := dt.Precision
		if precision.includes(DateTimePrecisionDay) {
			precision = DateTimePrecisionDay
		}
		return Date{
			Value:     time.Date(dt.Value.Year(), dt.Value.Month(), dt.Value.Day(), 0, 0, 0, 0, time.UTC),
			Precision: precision,
		}, true, nil
	}
	return Date{}, false, implicitConversionError[DateTime, Date](dt)
}
func (dt DateTime) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return dt, true, nil
}
func (dt DateTime) Equal(other Element) (eq bool, ok bool) {
	switch other.(type) {
	case Date, DateTime:
		cmp, cmpOK, err := dt.Cmp(other)
		return err == nil && cmpOK && cmp == 0, true
	}
	return false, true
}
func (dt DateTime) Equivalent(other Element) bool {
	eq, ok := dt.Equal(other)
	return ok && eq
}
func (dt DateTime) Cmp(other Element) (cmp int, ok bool, err error) {
	var o DateTime
	switch v := other.(type) {
	case DateTime:
		o = v
	case Date:
		o, _, _ = v.ToDateTime(false)
	default:
		return 0, false, typeError("can not compare DateTime to %s, left: %v right: %v", other.TypeInfo(), dt, other)
	}

	// Values with a time component are incomparable when only one carries a timezone.
	leftHasTime := dt.Precision.includes(DateTimePrecisionHour)
	rightHasTime := o.Precision.includes(DateTimePrecisionHour)
	if leftHasTime && rightHasTime && dt.HasTimeZone != o.HasTimeZone {
		return 0, false, nil
	}

	right := o.Value
	if leftHasTime && rightHasTime {
		right = right.In(dt.Value.Location())
	}
	cmp, ok = compareTemporal(dt.Value, dt.Precision, right, o.Precision, DateTimePrecisionYear)
	return cmp, ok, nil
}
func (dt DateTime) Add(ctx context.Context, other Element) (Element, error) {
	result, err := shiftTemporal(ctx, dt.Value, other, false, dateTimeUnits)
	if err != nil {
		return nil, err
	}
	return DateTime{Value: result, Precision: dt.Precision, HasTimeZone: dt.HasTimeZone}, nil
}
func (dt DateTime) Subtract(ctx context.Context, other Element) (Element, error) {
	result, err := shiftTemporal(ctx, dt.Value, other, true, dateTimeUnits)
	if err != nil {
		return nil, err
	}
	return DateTime{Value: result, Precision: dt.Precision, HasTimeZone: dt.HasTimeZone}, nil
}
func (dt DateTime) TypeInfo() datatype.DataType {
	return datatype.DateTime
}
func (dt DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(dt.String())
}
func (dt DateTime) String() string {
	ds := formatDate(dt.Value, dt.Precision)
	if !dt.Precision.includes(DateTimePrecisionHour) {
		return ds
	}
	return ds + "T" + formatTime(dt.Value, dt.Precision, dt.HasTimeZone)
}

const (
	DateFormatOnlyYear    = "2006"
	DateFormatUpToMonth   = "2006-01"
	DateFormatFull        = "2006-01-02"
	TimeFormatOnlyHour    = "15"
	TimeFormatUpToMinute  = "15:04"
	TimeFormatUpToSecond  = "15:04:05"
	TimeFormatMillisecond = "15:04:05.000"
	timeFormatFraction    = "15:04:05.999999999"
)

func ParseDate(s string) (Date, error) {
	ds := strings.TrimPrefix(s, "@")

	d, err := time.Parse(DateFormatOnlyYear, ds)
	if err == nil {
		return Date{Value: d, Precision: DateTimePrecisionYear}, nil
	}
	d, err = time.Parse(DateFormatUpToMonth, ds)
	if err == nil {
		return Date{Value: d, Precision: DateTimePrecisionMonth}, nil
	}
	d, err = time.Parse(DateFormatFull, ds)
	if err == nil {
		return Date{Value: d, Precision: DateTimePrecisionDay}, nil
	}

	return Date{}, fmt.Errorf("invalid Date format: %s", s)
}

func ParseTime(s string) (Time, error) {
	t, err := parseTime(strings.TrimPrefix(strings.TrimPrefix(s, "@"), "T"), false)
	if err != nil {
		return Time{}, err
	}
	return t, nil
}

// parseTime parses a time of day. With withTZ a trailing zone designator is accepted.
func parseTime(ts string, withTZ bool) (Time, error) {
	timePart := ts
	if idx := strings.IndexAny(timePart, "Zz+-"); idx != -1 {
		if !withTZ {
			return Time{}, fmt.Errorf("invalid Time format: %s", ts)
		}
		timePart = timePart[:idx]
	}

	layouts := []struct {
		layout    string
		precision DateTimePrecision
	}{
		{TimeFormatOnlyHour, DateTimePrecisionHour},
		{TimeFormatUpToMinute, DateTimePrecisionMinute},
		{TimeFormatUpToSecond, DateTimePrecisionSecond},
		{timeFormatFraction, DateTimePrecisionMillisecond},
	}
	for _, l := range layouts {
		if l.precision == DateTimePrecisionSecond && strings.Contains(timePart, ".") {
			continue
		}
		layout := l.layout
		if timePart != ts {
			layout += "Z07:00"
		}
		t, err := time.Parse(layout, strings.Replace(ts, "z", "Z", 1))
		if err == nil {
			return Time{Value: t, Precision: l.precision}, nil
		}
	}

	return Time{}, fmt.Errorf("invalid Time format: %s", ts)
}

func ParseDateTime(s string) (DateTime, error) {
	ds, ts, hasT := strings.Cut(strings.TrimPrefix(s, "@"), "T")

	d, err := ParseDate(ds)
	if err != nil {
		return DateTime{}, fmt.Errorf("invalid DateTime format (date part): %s", s)
	}
	if !hasT || ts == "" {
		return DateTime{Value: d.Value, Precision: d.Precision}, nil
	}
	if d.Precision != DateTimePrecisionDay {
		return DateTime{}, fmt.Errorf("invalid DateTime format (partial date with time): %s", s)
	}

	hasTimeZone := strings.ContainsAny(ts, "Zz+-")
	t, err := parseTime(ts, true)
	if err != nil {
		return DateTime{}, fmt.Errorf("invalid DateTime format (time part): %s", s)
	}

	tv := t.Value
	value := time.Date(
		d.Value.Year(), d.Value.Month(), d.Value.Day(),
		tv.Hour(), tv.Minute(), tv.Second(), tv.Nanosecond(),
		tv.Location(),
	)
	return DateTime{Value: value, Precision: t.Precision, HasTimeZone: hasTimeZone}, nil
}

// Time units for date/time arithmetic
const (
	UnitYear        = "year"
	UnitMonth       = "month"
	UnitWeek        = "week"
	UnitDay         = "day"
	UnitHour        = "hour"
	UnitMinute      = "minute"
	UnitSecond      = "second"
	UnitMillisecond = "millisecond"
)

var (
	dateUnits     = []string{UnitYear, UnitMonth, UnitWeek, UnitDay}
	timeUnits     = []string{UnitHour, UnitMinute, UnitSecond, UnitMillisecond}
	dateTimeUnits = append(append([]string{}, dateUnits...), timeUnits...)
)

// normalizeTimeUnit maps calendar keywords and definite UCUM durations to
// the singular calendar keyword.
func normalizeTimeUnit(unit string) string {
	switch unit {
	case "year", "years":
		return UnitYear
	case "month", "months":
		return UnitMonth
	case "week", "weeks", "wk":
		return UnitWeek
	case "day", "days", "d":
		return UnitDay
	case "hour", "hours", "h":
		return UnitHour
	case "minute", "minutes", "min":
		return UnitMinute
	case "second", "seconds", "s":
		return UnitSecond
	case "millisecond", "milliseconds", "ms":
		return UnitMillisecond
	}
	return unit
}

// shiftTemporal adds (or with negate subtracts) a duration quantity to t.
//
// Calendar units ignore the fractional part of the quantity. When the
// resulting day does not exist in the target month, the last day of that
// month is used.
func shiftTemporal(ctx context.Context, t time.Time, other Element, negate bool, allowed []string) (time.Time, error) {
	q, ok := other.(Quantity)
	if !ok {
		return time.Time{}, typeError("can only add or subtract a Quantity to temporal values, got %s", other.TypeInfo())
	}
	unit := normalizeTimeUnit(string(q.Unit))
	valid := false
	for _, u := range allowed {
		valid = valid || u == unit
	}
	if !valid {
		return time.Time{}, typeError("invalid time unit: %v", q.Unit)
	}

	value := new(apd.Decimal).Set(q.Value.Value)
	if negate {
		value.Neg(value)
	}

	switch unit {
	case UnitSecond, UnitMillisecond:
		scale := apd.New(int64(time.Second), 0)
		if unit == UnitMillisecond {
			scale = apd.New(int64(time.Millisecond), 0)
		}
		var nanos apd.Decimal
		if _, err := apdContext(ctx).Mul(&nanos, value, scale); err != nil {
			return time.Time{}, err
		}
		n, err := truncatedInt64(&nanos)
		if err != nil {
			return time.Time{}, evaluationError("invalid quantity value for temporal arithmetic: %v", err)
		}
		return t.Add(time.Duration(n)), nil
	}

	n, err := truncatedInt64(value)
	if err != nil {
		return time.Time{}, evaluationError("invalid quantity value for temporal arithmetic: %v", err)
	}

	var result time.Time
	switch unit {
	case UnitYear:
		result = t.AddDate(int(n), 0, 0)
		if result.Day() < t.Day() {
			result = result.AddDate(0, 0, -result.Day())
		}
	case UnitMonth:
		years, months := n/12, n%12
		result = t.AddDate(int(years), int(months), 0)
		if result.Day() < t.Day() {
			result = result.AddDate(0, 0, -result.Day())
		}
	case UnitWeek:
		result = t.AddDate(0, 0, int(n)*7)
	case UnitDay:
		result = t.AddDate(0, 0, int(n))
	case UnitHour:
		result = t.Add(time.Duration(n) * time.Hour)
	case UnitMinute:
		result = t.Add(time.Duration(n) * time.Minute)
	}
	return result, nil
}

func truncatedInt64(d *apd.Decimal) (int64, error) {
	var integ, frac apd.Decimal
	d.Modf(&integ, &frac)
	return integ.Int64()
}
