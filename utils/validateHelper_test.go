package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "aung@example.com", NormalizeEmail("  Aung@Example.COM "))
	assert.Empty(t, NormalizeEmail("not-an-email"))
	assert.Empty(t, NormalizeEmail(""))
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in, region, want string
	}{
		{"(650) 253-0000", "US", "+16502530000"},
		{"+1 650 253 0000", "MM", "+16502530000"},
		{"12-34", "MM", "1234"},
		{"+", "MM", ""},
		{"", "MM", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizePhone(tc.in, tc.region), tc.in)
	}
}

func TestValidateStructReportsJSONFieldName(t *testing.T) {
	type input struct {
		StoreUrl string `json:"storeUrl" validate:"required,url"`
		Minutes  int    `json:"minutes" validate:"min=1"`
	}
	require.NoError(t, ValidateStruct(input{StoreUrl: "https://shop.example.com", Minutes: 5}))

	err := ValidateStruct(input{Minutes: 5})
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "storeUrl", vErr.Field)
	assert.Contains(t, vErr.Message, "required")
	assert.Equal(t, ErrorKindValidation, ClassifyError(err))
}
