package check

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeErr(t *testing.T) {
	assert.NoError(t, CodeOK.Err())
	assert.Error(t, CodeReadError.Err())
	assert.Equal(t, CodeReadError, GetCode(CodeReadError.Err()))
	assert.Equal(t, CodeOK, GetCode(nil))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "ok", CodeOK.String())
	assert.Equal(t, "no_such_ledger", CodeNoSuchLedger.String())
	assert.Equal(t, "interrupted", CodeInterrupted.String())
}
