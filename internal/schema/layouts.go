package schema

import "fmt"

// Layout names accepted in configuration.
const (
	LayoutLegacy = "legacy"
	LayoutLockIn = "lockin"
)

// CommercialFields are the slow commercial sensor readings that open every
// packet: BME680, SHT31 and four MQ gas sensors.
var CommercialFields = []string{
	"BME_Temp", "BME_Hum", "BME_Pres", "BME_Gas",
	"SHT_Temp", "SHT_Hum",
	"MQ3", "MQ135", "MQ136", "MQ137",
}

// DefaultFrequenciesHz are the excitation frequencies swept by the lock-in
// firmware.
var DefaultFrequenciesHz = []int{100, 1000, 5000, 10000, 50000, 100000}

// DefaultChannels is the multiplexer channel count of the lock-in firmware.
const DefaultChannels = 4

// Legacy returns the single-measurement layout: the commercial readings and
// one RMS value as float32, followed by the multiplexer channel and the
// excitation frequency as int32. 13 fields, 52 bytes.
func Legacy() *Schema {
	fields := make([]Field, 0, len(CommercialFields)+3)
	for _, name := range CommercialFields {
		fields = append(fields, Field{Name: name, Type: Float32})
	}
	fields = append(fields,
		Field{Name: "ADC_RMS", Type: Float32},
		Field{Name: "ADC_Channel", Type: Int32},
		Field{Name: "ADC_Frequency", Type: Int32},
	)
	s, err := New(LayoutLegacy, fields)
	if err != nil {
		panic(err) // static layout
	}
	return s
}

// LockIn returns the lock-in layout for the given sweep: the commercial
// readings, then one mean per (frequency, channel) pair, then one standard
// deviation per pair in the same order. Pairs are frequency-major with
// channels numbered from 1.
func LockIn(frequenciesHz []int, channels int) (*Schema, error) {
	if len(frequenciesHz) == 0 {
		return nil, fmt.Errorf("%w: lock-in layout needs at least one frequency", ErrInvalidSchema)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("%w: lock-in layout needs at least one channel, got %d", ErrInvalidSchema, channels)
	}

	pairs := len(frequenciesHz) * channels
	fields := make([]Field, 0, len(CommercialFields)+2*pairs)
	for _, name := range CommercialFields {
		fields = append(fields, Field{Name: name, Type: Float32})
	}
	for _, suffix := range []string{"Mean", "StdDev"} {
		for _, f := range frequenciesHz {
			if f <= 0 {
				return nil, fmt.Errorf("%w: frequency must be positive, got %d", ErrInvalidSchema, f)
			}
			for ch := 1; ch <= channels; ch++ {
				fields = append(fields, Field{
					Name: fmt.Sprintf("Ch%d_F%dHz_%s", ch, f, suffix),
					Type: Float32,
				})
			}
		}
	}
	return New(LayoutLockIn, fields)
}

// LockInFieldCount returns the number of fields LockIn produces.
func LockInFieldCount(frequencies, channels int) int {
	return len(CommercialFields) + 2*frequencies*channels
}

// ForLayout builds the named layout. wantFields, when non-zero, must match
// the computed field count; a mismatch means the deployment config and the
// firmware disagree and is reported instead of silently truncating.
func ForLayout(layout string, frequenciesHz []int, channels, wantFields int) (*Schema, error) {
	var (
		s   *Schema
		err error
	)
	switch layout {
	case LayoutLegacy:
		s = Legacy()
	case LayoutLockIn:
		s, err = LockIn(frequenciesHz, channels)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown layout %q", ErrInvalidSchema, layout)
	}

	if wantFields != 0 && wantFields != s.Len() {
		return nil, fmt.Errorf("%w: %s layout has %d fields, configured field_count is %d",
			ErrInvalidSchema, layout, s.Len(), wantFields)
	}
	return s, nil
}
