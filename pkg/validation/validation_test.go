package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	dErrors "clinicore/pkg/domain-errors"
)

type queryBody struct {
	RecordID string `json:"record_id" validate:"omitempty,uuid"`
	Decision string `json:"decision,omitempty" validate:"omitempty,oneof=allowed denied"`
	Reason   string `json:"reason" validate:"notblank"`
	Internal string `json:"-" validate:"omitempty,max=2"`
	Ward     string `validate:"omitempty,len=3"`
}

func TestValidate(t *testing.T) {
	valid := queryBody{Reason: "audit review"}
	assert.NoError(t, Validate(&valid))

	cases := map[string]struct {
		body queryBody
		want string
	}{
		"uuid":          {queryBody{RecordID: "42", Reason: "x"}, "record_id must be a valid uuid"},
		"oneof":         {queryBody{Decision: "maybe", Reason: "x"}, "decision must be one of [allowed denied]"},
		"notblank":      {queryBody{Reason: "   "}, "reason must not be blank"},
		"untagged name": {queryBody{Ward: "ICU-7", Reason: "x"}, "Ward is invalid"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(&tc.body)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
			var de *dErrors.Error
			if assert.True(t, errors.As(err, &de)) {
				assert.Equal(t, tc.want, de.Message)
			}
		})
	}
}

func TestErrorMessageWithoutFieldErrors(t *testing.T) {
	assert.Equal(t, "invalid request body", ErrorMessage(errors.New("boom")))
}
