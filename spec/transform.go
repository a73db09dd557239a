package spec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/murmur3"
)

// Transform is a partition or sort transform in its string form, e.g.
// "identity", "bucket[16]" or "truncate[4]".
type Transform string

const (
	TransformIdentity Transform = "identity"
	TransformYear     Transform = "year"
	TransformMonth    Transform = "month"
	TransformDay      Transform = "day"
	TransformHour     Transform = "hour"
	TransformVoid     Transform = "void"
)

// BucketTransform returns bucket[n].
func BucketTransform(n int) Transform {
	return Transform(fmt.Sprintf("bucket[%d]", n))
}

// TruncateTransform returns truncate[width].
func TruncateTransform(width int) Transform {
	return Transform(fmt.Sprintf("truncate[%d]", width))
}

// Kind returns the transform name without its parameter.
func (t Transform) Kind() string {
	name, _, _ := strings.Cut(string(t), "[")
	return name
}

// Param returns the bucket count or truncate width.
func (t Transform) Param() (int, bool) {
	s := string(t)
	open := strings.IndexByte(s, '[')
	if open < 0 || !strings.HasSuffix(s, "]") {
		return 0, false
	}
	n, err := strconv.Atoi(s[open+1 : len(s)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the transform is one of the known forms.
func (t Transform) Validate() error {
	switch t {
	case TransformIdentity, TransformYear, TransformMonth, TransformDay, TransformHour, TransformVoid:
		return nil
	}
	switch t.Kind() {
	case "bucket", "truncate":
		if n, ok := t.Param(); ok && n > 0 && n <= math.MaxInt32 {
			return nil
		}
	}
	return &SchemaError{Message: fmt.Sprintf("invalid transform %q", string(t))}
}

// CanTransform reports whether the transform applies to values of source.
func (t Transform) CanTransform(source Type) bool {
	if t.Validate() != nil || !IsPrimitive(source) {
		return false
	}
	id := source.TypeID()
	switch t.Kind() {
	case "identity", "void":
		return true
	case "bucket":
		switch id {
		case TypeInt, TypeLong, TypeDecimal, TypeDate, TypeTime, TypeTimestamp, TypeTimestampTz,
			TypeString, TypeUUID, TypeFixed, TypeBinary:
			return true
		}
	case "truncate":
		switch id {
		case TypeInt, TypeLong, TypeDecimal, TypeString, TypeBinary:
			return true
		}
	case "year", "month", "day":
		return id == TypeDate || id == TypeTimestamp || id == TypeTimestampTz
	case "hour":
		return id == TypeTimestamp || id == TypeTimestampTz
	}
	return false
}

// ResultType returns the partition value type produced from source.
func (t Transform) ResultType(source Type) (Type, error) {
	if !t.CanTransform(source) {
		return nil, &SchemaError{Message: fmt.Sprintf("transform %s cannot apply to %s", t, source)}
	}
	switch t.Kind() {
	case "bucket", "year", "month", "hour":
		return IntType, nil
	case "day":
		return DateType, nil
	}
	return source, nil
}

// PreservesOrder reports whether t is monotonic in its input.
func (t Transform) PreservesOrder() bool {
	switch t.Kind() {
	case "identity", "truncate", "year", "month", "day", "hour":
		return true
	}
	return false
}

// Apply transforms a canonical value of the source type. Null input yields
// null output for every transform.
func (t Transform) Apply(source Type, v any) (any, error) {
	if !t.CanTransform(source) {
		return nil, &SchemaError{Message: fmt.Sprintf("transform %s cannot apply to %s", t, source)}
	}
	if v == nil || t == TransformVoid {
		return nil, nil
	}

	switch t.Kind() {
	case "identity":
		return v, nil
	case "bucket":
		n, _ := t.Param()
		return bucketValue(v, n)
	case "truncate":
		w, _ := t.Param()
		return truncateValue(v, w)
	case "year", "month", "day", "hour":
		return temporalValue(t, source, v)
	}
	return nil, &SchemaError{Message: fmt.Sprintf("invalid transform %q", string(t))}
}

// BucketHash returns the 32-bit murmur3 hash the bucket transform uses.
func BucketHash(v any) (int32, error) {
	var data []byte
	switch x := v.(type) {
	case int32:
		data = binary.LittleEndian.AppendUint64(nil, uint64(int64(x)))
	case int64:
		data = binary.LittleEndian.AppendUint64(nil, uint64(x))
	case string:
		data = []byte(x)
	case []byte:
		data = x
	case uuid.UUID:
		data = x[:]
	case Decimal:
		data = twosComplement(x.Unscaled)
	default:
		return 0, Validationf("cannot hash %T", v)
	}
	return int32(murmur3.Sum32(data)), nil
}

func bucketValue(v any, n int) (any, error) {
	h, err := BucketHash(v)
	if err != nil {
		return nil, err
	}
	return int32((int64(h) & math.MaxInt32) % int64(n)), nil
}

func truncateValue(v any, w int) (any, error) {
	switch x := v.(type) {
	case int32:
		width := int32(w)
		return x - (((x % width) + width) % width), nil
	case int64:
		width := int64(w)
		return x - (((x % width) + width) % width), nil
	case string:
		return truncateString(x, w), nil
	case []byte:
		if len(x) > w {
			return append([]byte(nil), x[:w]...), nil
		}
		return x, nil
	case Decimal:
		width := bigInt(int64(w))
		rem := bigInt(0).Mod(x.Unscaled, width)
		return Decimal{Unscaled: bigInt(0).Sub(x.Unscaled, rem), Scale: x.Scale}, nil
	}
	return nil, Validationf("cannot truncate %T", v)
}

func temporalValue(t Transform, source Type, v any) (any, error) {
	var ts time.Time
	var micros int64
	switch x := v.(type) {
	case int32:
		if source.TypeID() != TypeDate {
			return nil, Validationf("%s expects a date value, got int32", t)
		}
		micros = int64(x) * microsPerDay
	case int64:
		micros = x
	default:
		return nil, Validationf("%s expects a date or timestamp value, got %T", t, v)
	}
	ts = time.UnixMicro(micros).UTC()

	switch t {
	case TransformYear:
		return int32(ts.Year() - 1970), nil
	case TransformMonth:
		return int32((ts.Year()-1970)*12 + int(ts.Month()) - 1), nil
	case TransformDay:
		return int32(floorDiv(micros, microsPerDay)), nil
	default:
		return int32(floorDiv(micros, microsPerHour)), nil
	}
}

// HumanString renders a partition value the way it appears in data file
// paths.
func (t Transform) HumanString(result Type, v any) string {
	if v == nil {
		return "null"
	}
	switch t {
	case TransformYear:
		return strconv.Itoa(1970 + int(v.(int32)))
	case TransformMonth:
		m := int(v.(int32))
		y := 1970 + int(floorDiv(int64(m), 12))
		return fmt.Sprintf("%04d-%02d", y, int(int64(m)-floorDiv(int64(m), 12)*12)+1)
	case TransformHour:
		ts := time.UnixMicro(int64(v.(int32)) * microsPerHour).UTC()
		return ts.Format("2006-01-02-15")
	}
	switch result.TypeID() {
	case TypeDate:
		return time.UnixMicro(int64(v.(int32)) * microsPerDay).UTC().Format("2006-01-02")
	case TypeTimestamp, TypeTimestampTz:
		return time.UnixMicro(v.(int64)).UTC().Format("2006-01-02T15:04:05.000000")
	case TypeBinary, TypeFixed:
		return fmt.Sprintf("%x", v)
	}
	return fmt.Sprint(v)
}
