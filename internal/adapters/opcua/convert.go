package opcua

import (
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/pvflow/internal/domain"
)

const (
	statusSeverityMask      = 0xC0000000
	statusSeverityUncertain = 0x40000000
	statusSeverityBad       = 0x80000000
)

// toEvent maps a monitored item's data value onto a change event. The source
// timestamp falls back to the server timestamp when the device sent none.
func toEvent(name string, dv *ua.DataValue) domain.ChangeEvent {
	ts := dv.SourceTimestamp
	if ts.IsZero() {
		ts = dv.ServerTimestamp
	}
	var epoch float64
	if !ts.IsZero() {
		epoch = domain.TimeToEpoch(ts)
	}

	value, typ := variantToValue(dv.Value)
	sev := severityOf(dv.Status)
	return domain.ChangeEvent{
		Channel:         name,
		Value:           value,
		ValueType:       typ,
		SourceTimestamp: epoch,
		Connected:       sev != domain.SeverityInvalid,
		Severity:        sev,
		AlarmStatus:     int(uint32(dv.Status)),
	}
}

func severityOf(code ua.StatusCode) domain.Severity {
	switch uint32(code) & statusSeverityMask {
	case 0:
		return domain.SeverityNone
	case statusSeverityUncertain:
		return domain.SeverityMinor
	default:
		return domain.SeverityInvalid
	}
}

// variantToValue returns the payload and the OPC UA built-in type name.
func variantToValue(v *ua.Variant) (domain.Value, string) {
	if v == nil {
		return domain.Value{}, ""
	}

	switch val := v.Value().(type) {
	case float32:
		return domain.Numeric(float64(val)), "Float"
	case float64:
		return domain.Numeric(val), "Double"
	case int8:
		return domain.Numeric(float64(val)), "SByte"
	case uint8:
		return domain.Numeric(float64(val)), "Byte"
	case int16:
		return domain.Numeric(float64(val)), "Int16"
	case uint16:
		return domain.Numeric(float64(val)), "UInt16"
	case int32:
		return domain.Numeric(float64(val)), "Int32"
	case uint32:
		return domain.Numeric(float64(val)), "UInt32"
	case int64:
		return domain.Numeric(float64(val)), "Int64"
	case uint64:
		return domain.Numeric(float64(val)), "UInt64"
	case bool:
		if val {
			return domain.Enum(1, "true"), "Boolean"
		}
		return domain.Enum(0, "false"), "Boolean"
	case string:
		return domain.String(val), "String"
	case *ua.LocalizedText:
		if val == nil {
			return domain.Value{}, "LocalizedText"
		}
		return domain.String(val.Text), "LocalizedText"
	default:
		return domain.Value{}, ""
	}
}
