package hub

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// newIdentity generates an opaque connection identity. The millisecond prefix
// gives rough ordering for debugging; uniqueness comes from the random
// suffix and is probabilistic, not checked.
func newIdentity(prefix string) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), suffix)
}
