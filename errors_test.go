package scheduler

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	t.Run("predicates match their kind only", func(t *testing.T) {
		err := NotFoundf("job %s does not exist", "abc")
		assert.True(t, IsNotFound(err))
		assert.False(t, IsValidation(err))
		assert.False(t, IsStoreErr(err))

		err = Validationf("missing location")
		assert.True(t, IsValidation(err))
		assert.False(t, IsNotFound(err))

		err = AgentExecutionf("timed out")
		assert.True(t, IsAgentExecution(err))
	})

	t.Run("kind survives wrapping", func(t *testing.T) {
		err := errors.Wrap(NotFoundf("gone"), "while claiming job")
		assert.True(t, IsNotFound(err))
	})

	t.Run("store errors keep the cause", func(t *testing.T) {
		cause := errors.New("disk I/O error")
		err := StoreErrf(cause, "list due jobs")
		assert.True(t, IsStoreErr(err))
		assert.True(t, errors.Is(err, cause))
		assert.Contains(t, err.Error(), "list due jobs")
	})
}

func TestParseStatus(t *testing.T) {
	for _, valid := range []string{"pending", "running", "completed", "failed", "cancelled"} {
		st, err := ParseStatus(valid)
		assert.NoError(t, err)
		assert.Equal(t, Status(valid), st)
	}

	_, err := ParseStatus("paused")
	assert.Error(t, err)
	assert.True(t, IsConfig(err))
}
