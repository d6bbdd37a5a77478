package generic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
)

func TestFormatDate(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	assert.Equal(t, "D:20240102030405+07'00'", generic.FormatDate(time.Date(2024, 1, 2, 3, 4, 5, 0, jakarta)))
	assert.Equal(t, "D:20240102030405Z", generic.FormatDate(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, "D:20240102030405-03'30'", generic.FormatDate(time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("", -(3*3600+1800)))))
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"D:20240102030405+07'00'", time.Date(2024, 1, 1, 20, 4, 5, 0, time.UTC)},
		{"D:20240102030405Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"D:2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"20240102030405-0330", time.Date(2024, 1, 2, 6, 34, 5, 0, time.UTC)},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := generic.ParseDate(tc.in)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "got %s", got.UTC())
		})
	}

	_, err := generic.ParseDate("yesterday")
	assert.ErrorIs(t, err, generic.ErrInvalidObject)
}
