package spec

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Decimal is a fixed-point value: Unscaled * 10^-Scale.
type Decimal struct {
	Unscaled *big.Int
	Scale    int
}

// NewDecimal builds a decimal from an unscaled int64.
func NewDecimal(unscaled int64, scale int) Decimal {
	return Decimal{Unscaled: big.NewInt(unscaled), Scale: scale}
}

func (d Decimal) String() string {
	if d.Unscaled == nil {
		return "<nil>"
	}
	return new(big.Rat).SetFrac(d.Unscaled, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.Scale)), nil)).FloatString(d.Scale)
}

// Equal compares unscaled values and scale.
func (d Decimal) Equal(o Decimal) bool {
	return d.Scale == o.Scale && d.Unscaled != nil && o.Unscaled != nil && d.Unscaled.Cmp(o.Unscaled) == 0
}

const (
	microsPerSecond = int64(1_000_000)
	microsPerHour   = 3600 * microsPerSecond
	microsPerDay    = 24 * microsPerHour
)

// NormalizeValue converts v to the canonical Go representation of typ.
// Go integer kinds, time.Time, time.Duration (for time columns), uuid
// strings and float kinds are accepted where they fit. A nil v stays nil.
func NormalizeValue(typ Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	fail := func() (any, error) {
		return nil, Validationf("value %v (%T) is not a valid %s", v, v, typ)
	}

	switch t := typ.(type) {
	case DecimalType:
		switch d := v.(type) {
		case Decimal:
			if d.Unscaled == nil || d.Scale != t.Scale {
				return fail()
			}
			return d, nil
		case *big.Int:
			return Decimal{Unscaled: new(big.Int).Set(d), Scale: t.Scale}, nil
		}
		if i, ok := toInt64(v); ok {
			return Decimal{Unscaled: big.NewInt(i), Scale: t.Scale}, nil
		}
		return fail()
	case FixedType:
		b, ok := v.([]byte)
		if !ok || len(b) != t.Length {
			return fail()
		}
		return b, nil
	case PrimitiveType:
		switch t.id {
		case TypeBoolean:
			if b, ok := v.(bool); ok {
				return b, nil
			}
		case TypeInt:
			if i, ok := toInt64(v); ok && i >= math.MinInt32 && i <= math.MaxInt32 {
				return int32(i), nil
			}
		case TypeLong:
			if i, ok := toInt64(v); ok {
				return i, nil
			}
		case TypeFloat:
			switch f := v.(type) {
			case float32:
				return f, nil
			case float64:
				return float32(f), nil
			}
		case TypeDouble:
			switch f := v.(type) {
			case float32:
				return float64(f), nil
			case float64:
				return f, nil
			}
		case TypeDate:
			if tm, ok := v.(time.Time); ok {
				return int32(floorDiv(tm.Unix(), 86400)), nil
			}
			if i, ok := toInt64(v); ok && i >= math.MinInt32 && i <= math.MaxInt32 {
				return int32(i), nil
			}
		case TypeTime:
			if d, ok := v.(time.Duration); ok {
				return d.Microseconds(), nil
			}
			if i, ok := toInt64(v); ok {
				return i, nil
			}
		case TypeTimestamp, TypeTimestampTz:
			if tm, ok := v.(time.Time); ok {
				return tm.UnixMicro(), nil
			}
			if i, ok := toInt64(v); ok {
				return i, nil
			}
		case TypeString:
			if s, ok := v.(string); ok {
				return s, nil
			}
		case TypeUUID:
			switch u := v.(type) {
			case uuid.UUID:
				return u, nil
			case string:
				parsed, err := uuid.Parse(u)
				if err != nil {
					return fail()
				}
				return parsed, nil
			case []byte:
				parsed, err := uuid.FromBytes(u)
				if err != nil {
					return fail()
				}
				return parsed, nil
			}
		case TypeBinary:
			if b, ok := v.([]byte); ok {
				return b, nil
			}
		}
	}
	return fail()
}

func toInt64(v any) (int64, bool) {
	switch i := v.(type) {
	case int:
		return int64(i), true
	case int8:
		return int64(i), true
	case int16:
		return int64(i), true
	case int32:
		return int64(i), true
	case int64:
		return i, true
	case uint8:
		return int64(i), true
	case uint16:
		return int64(i), true
	case uint32:
		return int64(i), true
	}
	return 0, false
}

// SerializeValue encodes a canonical value in the single-value binary
// form used for column bounds and partition summaries.
func SerializeValue(typ Type, v any) ([]byte, error) {
	bad := func() ([]byte, error) {
		return nil, Validationf("cannot serialize %v (%T) as %s", v, v, typ)
	}

	switch t := typ.(type) {
	case DecimalType:
		d, ok := v.(Decimal)
		if !ok || d.Unscaled == nil {
			return bad()
		}
		return twosComplement(d.Unscaled), nil
	case FixedType:
		b, ok := v.([]byte)
		if !ok || len(b) != t.Length {
			return bad()
		}
		return b, nil
	case PrimitiveType:
		switch t.id {
		case TypeBoolean:
			b, ok := v.(bool)
			if !ok {
				return bad()
			}
			if b {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		case TypeInt, TypeDate:
			i, ok := v.(int32)
			if !ok {
				return bad()
			}
			return binary.LittleEndian.AppendUint32(nil, uint32(i)), nil
		case TypeLong, TypeTime, TypeTimestamp, TypeTimestampTz:
			i, ok := v.(int64)
			if !ok {
				return bad()
			}
			return binary.LittleEndian.AppendUint64(nil, uint64(i)), nil
		case TypeFloat:
			f, ok := v.(float32)
			if !ok {
				return bad()
			}
			return binary.LittleEndian.AppendUint32(nil, math.Float32bits(f)), nil
		case TypeDouble:
			f, ok := v.(float64)
			if !ok {
				return bad()
			}
			return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), nil
		case TypeString:
			s, ok := v.(string)
			if !ok {
				return bad()
			}
			return []byte(s), nil
		case TypeUUID:
			u, ok := v.(uuid.UUID)
			if !ok {
				return bad()
			}
			out := make([]byte, 16)
			copy(out, u[:])
			return out, nil
		case TypeBinary:
			b, ok := v.([]byte)
			if !ok {
				return bad()
			}
			return b, nil
		}
	}
	return bad()
}

// DeserializeValue decodes the single-value binary form. Bounds written
// before a type promotion (int for long, float for double) are widened.
func DeserializeValue(typ Type, data []byte) (any, error) {
	bad := func() (any, error) {
		return nil, codecErrorf("bound", typ.String(), "invalid %d-byte value", len(data))
	}

	switch t := typ.(type) {
	case DecimalType:
		if len(data) == 0 {
			return bad()
		}
		return Decimal{Unscaled: fromTwosComplement(data), Scale: t.Scale}, nil
	case FixedType:
		if len(data) != t.Length {
			return bad()
		}
		return bytes.Clone(data), nil
	case PrimitiveType:
		switch t.id {
		case TypeBoolean:
			if len(data) != 1 {
				return bad()
			}
			return data[0] != 0, nil
		case TypeInt, TypeDate:
			if len(data) != 4 {
				return bad()
			}
			return int32(binary.LittleEndian.Uint32(data)), nil
		case TypeLong, TypeTime, TypeTimestamp, TypeTimestampTz:
			switch len(data) {
			case 4:
				return int64(int32(binary.LittleEndian.Uint32(data))), nil
			case 8:
				return int64(binary.LittleEndian.Uint64(data)), nil
			}
			return bad()
		case TypeFloat:
			if len(data) != 4 {
				return bad()
			}
			return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
		case TypeDouble:
			switch len(data) {
			case 4:
				return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), nil
			case 8:
				return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
			}
			return bad()
		case TypeString:
			if !utf8.Valid(data) {
				return bad()
			}
			return string(data), nil
		case TypeUUID:
			u, err := uuid.FromBytes(data)
			if err != nil {
				return bad()
			}
			return u, nil
		case TypeBinary:
			return bytes.Clone(data), nil
		}
	}
	return nil, codecErrorf("bound", typ.String(), "type has no single-value form")
}

// CompareValues orders two canonical values of typ. NaN compares equal to
// every float; callers that care check for NaN first.
func CompareValues(typ Type, a, b any) (int, error) {
	mismatch := func() (int, error) {
		return 0, Validationf("cannot compare %T and %T as %s", a, b, typ)
	}
	switch x := a.(type) {
	case bool:
		y, ok := b.(bool)
		if !ok {
			return mismatch()
		}
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		}
		return 1, nil
	case int32:
		y, ok := b.(int32)
		if !ok {
			return mismatch()
		}
		return cmpOrdered(x, y), nil
	case int64:
		y, ok := b.(int64)
		if !ok {
			return mismatch()
		}
		return cmpOrdered(x, y), nil
	case float32:
		y, ok := b.(float32)
		if !ok {
			return mismatch()
		}
		return cmpOrdered(x, y), nil
	case float64:
		y, ok := b.(float64)
		if !ok {
			return mismatch()
		}
		return cmpOrdered(x, y), nil
	case string:
		y, ok := b.(string)
		if !ok {
			return mismatch()
		}
		return strings.Compare(x, y), nil
	case []byte:
		y, ok := b.([]byte)
		if !ok {
			return mismatch()
		}
		return bytes.Compare(x, y), nil
	case uuid.UUID:
		y, ok := b.(uuid.UUID)
		if !ok {
			return mismatch()
		}
		return bytes.Compare(x[:], y[:]), nil
	case Decimal:
		y, ok := b.(Decimal)
		if !ok || x.Scale != y.Scale {
			return mismatch()
		}
		return x.Unscaled.Cmp(y.Unscaled), nil
	}
	return mismatch()
}

func cmpOrdered[T int32 | int64 | float32 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// IsNaN reports whether v is a float NaN.
func IsNaN(v any) bool {
	switch f := v.(type) {
	case float32:
		return f != f
	case float64:
		return math.IsNaN(f)
	}
	return false
}

// TruncateLowerBound shortens a string or binary lower bound to width
// units. The result is still a valid lower bound.
func TruncateLowerBound(v any, width int) any {
	switch x := v.(type) {
	case string:
		return truncateString(x, width)
	case []byte:
		if len(x) > width {
			return x[:width]
		}
	}
	return v
}

// TruncateUpperBound shortens a string or binary upper bound to width
// units and increments the last unit so the result stays an upper bound.
// It returns false when no such bound exists.
func TruncateUpperBound(v any, width int) (any, bool) {
	switch x := v.(type) {
	case string:
		runes := []rune(x)
		if len(runes) <= width {
			return x, true
		}
		runes = runes[:width]
		for i := len(runes) - 1; i >= 0; i-- {
			if next := runes[i] + 1; next <= utf8.MaxRune && utf8.ValidRune(next) {
				runes[i] = next
				return string(runes[:i+1]), true
			}
		}
		return nil, false
	case []byte:
		if len(x) <= width {
			return x, true
		}
		out := append([]byte(nil), x[:width]...)
		for i := len(out) - 1; i >= 0; i-- {
			if out[i] < 0xff {
				out[i]++
				return out[:i+1], true
			}
		}
		return nil, false
	}
	return v, true
}

func truncateString(s string, width int) string {
	n := 0
	for i := range s {
		if n == width {
			return s[:i]
		}
		n++
	}
	return s
}

// twosComplement returns the minimal big-endian two's complement bytes.
func twosComplement(v *big.Int) []byte {
	if v.Sign() >= 0 {
		b := v.Bytes()
		if len(b) == 0 || b[0]&0x80 != 0 {
			b = append([]byte{0}, b...)
		}
		return b
	}
	// -v-1 has the bit pattern of v inverted.
	inv := new(big.Int).Neg(v)
	inv.Sub(inv, big.NewInt(1))
	b := inv.Bytes()
	for i := range b {
		b[i] = ^b[i]
	}
	if len(b) == 0 || b[0]&0x80 == 0 {
		b = append([]byte{0xff}, b...)
	}
	return b
}

func fromTwosComplement(b []byte) *big.Int {
	v := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return v
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func bigInt(v int64) *big.Int { return big.NewInt(v) }
