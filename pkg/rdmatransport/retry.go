package rdmatransport

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	rdmaerrors "github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/errors"
)

// initialConnectBackoff bounds the admin-queue handshake attempts a fresh
// Connect() call makes before giving up and returning an error to the
// caller. This is deliberately separate from the reconnect worker's
// unbounded reschedule-after-delay loop: a controller that has never connected
// once has no established state to protect, so a caller (a daemon
// startup path) should get a definite answer rather than block forever.
func initialConnectBackoff() wait.Backoff {
	return wait.Backoff{
		Steps:    5,
		Duration: time.Second,
		Factor:   2.0,
		Jitter:   0.1,
	}
}

// retryWithBackoff runs fn under backoff until it succeeds, backoff is
// exhausted, or fn returns a non-retryable error, matching the shape of
// the teacher's RetryWithBackoff but classifying retryability through
// this core's own error taxonomy.
func retryWithBackoff(ctx context.Context, backoff wait.Backoff, op string, fn func() error) error {
	var lastErr error
	attempt := 0

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = fn()
		if lastErr == nil {
			return true, nil
		}
		if rdmaerrors.IsRetryable(lastErr) {
			klog.V(3).Infof("%s: attempt %d failed, retrying: %v", op, attempt, lastErr)
			return false, nil
		}
		klog.V(2).Infof("%s: attempt %d failed with non-retryable error: %v", op, attempt, lastErr)
		return false, lastErr
	})

	if wait.Interrupted(err) && lastErr != nil {
		klog.Warningf("%s: exhausted %d attempts, last error: %v", op, attempt, lastErr)
		return lastErr
	}
	return err
}
