package validation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/suite"

	dErrors "clinicore/pkg/domain-errors"
)

// The boundary cases matter: max must pass and max+1 must fail.
type LimitsSuite struct {
	suite.Suite
}

func TestLimitsSuite(t *testing.T) {
	suite.Run(t, new(LimitsSuite))
}

func (s *LimitsSuite) TestCheckStringLength() {
	s.NoError(CheckStringLength("user_agent", strings.Repeat("a", MaxUserAgentLength), MaxUserAgentLength))

	err := CheckStringLength("user_agent", strings.Repeat("a", MaxUserAgentLength+1), MaxUserAgentLength)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	s.Contains(err.Error(), "user_agent")
}

func (s *LimitsSuite) TestTruncateText() {
	s.Equal("ward-terminal/2.1", TruncateText("ward-terminal/2.1", MaxUserAgentLength))

	// a two-byte rune straddling the limit is dropped whole
	ua := strings.Repeat("a", MaxUserAgentLength-1) + "é"
	got := TruncateText(ua, MaxUserAgentLength)
	s.True(utf8.ValidString(got))
	s.Equal(MaxUserAgentLength-1, len(got))

	got = TruncateText("curl\xff\xfe/8", MaxUserAgentLength)
	s.True(utf8.ValidString(got))
	s.True(strings.HasPrefix(got, "curl"))
	s.True(strings.HasSuffix(got, "/8"))

	s.Empty(TruncateText("é", 1))
}

func (s *LimitsSuite) TestCheckByteSize() {
	s.NoError(CheckByteSize("payload", make([]byte, MaxPayloadSize), MaxPayloadSize))
	s.NoError(CheckByteSize("payload", nil, MaxPayloadSize))

	err := CheckByteSize("payload", make([]byte, MaxPayloadSize+1), MaxPayloadSize)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *LimitsSuite) TestClampPageSize() {
	s.Equal(DefaultAuditPageSize, ClampPageSize(0))
	s.Equal(DefaultAuditPageSize, ClampPageSize(-3))
	s.Equal(7, ClampPageSize(7))
	s.Equal(MaxAuditPageSize, ClampPageSize(MaxAuditPageSize))
	s.Equal(MaxAuditPageSize, ClampPageSize(MaxAuditPageSize+1))
}
