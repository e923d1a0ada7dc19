package helpers

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()
	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))

	single := fmt.Errorf("farm_id is empty")
	assert.Equal(t, single, FoldErrors([]error{nil, single}))

	err := FoldErrors([]error{fmt.Errorf("a"), nil, fmt.Errorf("b")})
	require.Error(t, err)
	assert.Equal(t, "a\nb", err.Error())
}

func TestPanicError(t *testing.T) {
	t.Parallel()
	assert.NoError(t, PanicError(nil))
	assert.Equal(t, "panic: boom", PanicError("boom").Error())
	assert.Contains(t, PanicError(fmt.Errorf("index out of range")).Error(), "index out of range")
}

func TestTime(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "2024-03-01T12:00:00Z", FormatUnixUTC(1709294400))
	assert.Equal(t, 30*time.Second, IntSecondDefault(0, 30*time.Second))
	assert.Equal(t, 30*time.Second, IntSecondDefault(-1, 30*time.Second))
	assert.Equal(t, 5*time.Second, IntSecondDefault(5, 30*time.Second))
}
