package stream

import (
	"github.com/cockroachdb/errors"
)

// Record validation limits
const (
	MaxFieldsPerRecord   = 4096     // packets with thousands of items exist
	MaxFieldNameLength   = 256      // bytes
	MaxStringValueLength = 64 << 10 // bytes
)

var (
	ErrNoFields           = errors.New("record has no fields")
	ErrTooManyFields      = errors.Newf("too many fields (max %d)", MaxFieldsPerRecord)
	ErrFieldNameEmpty     = errors.New("field name cannot be empty")
	ErrFieldNameTooLong   = errors.Newf("field name too long (max %d bytes)", MaxFieldNameLength)
	ErrStringValueTooLong = errors.Newf("string value too long (max %d bytes)", MaxStringValueLength)
)

// ValidateFields checks a record's fields against the limits above.
func ValidateFields(fields map[string]any) error {
	if len(fields) == 0 {
		return ErrNoFields
	}
	if len(fields) > MaxFieldsPerRecord {
		return errors.Wrapf(ErrTooManyFields, "record has %d fields", len(fields))
	}
	for k, v := range fields {
		if k == "" {
			return ErrFieldNameEmpty
		}
		if len(k) > MaxFieldNameLength {
			return errors.Wrapf(ErrFieldNameTooLong, "field %.32q...", k)
		}
		if s, ok := v.(string); ok && len(s) > MaxStringValueLength {
			return errors.Wrapf(ErrStringValueTooLong, "field %q", k)
		}
	}
	return nil
}
