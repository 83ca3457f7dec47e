package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/remote"
)

func TestClassify(t *testing.T) {
	c := DefaultClassifier()
	note := record.RecordRef{Type: "Note", Key: "n1"}

	tests := []struct {
		name   string
		err    error
		req    Request
		kind   DecisionKind
		reason remote.Code
	}{
		{"nil", nil, Request{}, DecisionSuccess, ""},
		{"unknown item", remote.Errorf(remote.CodeUnknownItem, "gone"), Request{}, DecisionSuccess, remote.CodeUnknownItem},
		{"network", remote.Errorf(remote.CodeNetworkFailure, "offline"), Request{}, DecisionRetry, remote.CodeNetworkFailure},
		{"plain error is network", errors.New("dial tcp: refused"), Request{}, DecisionRetry, remote.CodeNetworkFailure},
		{"service unavailable", remote.Errorf(remote.CodeServiceUnavailable, ""), Request{}, DecisionRetry, remote.CodeServiceUnavailable},
		{"rate limited", remote.Errorf(remote.CodeRequestRateLimited, ""), Request{}, DecisionRetry, remote.CodeRequestRateLimited},
		{"zone busy", remote.Errorf(remote.CodeZoneBusy, ""), Request{}, DecisionRetry, remote.CodeZoneBusy},
		{"limit exceeded", remote.Errorf(remote.CodeLimitExceeded, ""), Request{Items: 650}, DecisionChunk, remote.CodeLimitExceeded},
		{"payload too large", remote.Errorf(remote.CodePayloadTooLarge, ""), Request{Items: 10}, DecisionChunk, remote.CodePayloadTooLarge},
		{"partial atomic", &remote.Error{Code: remote.CodePartialFailure, Items: map[record.RecordRef]*remote.Error{note: remote.Errorf(remote.CodeInvalidArguments, "")}}, Request{Atomic: true}, DecisionFatal, remote.CodePartialFailure},
		{"partial non-atomic", &remote.Error{Code: remote.CodePartialFailure, Items: map[record.RecordRef]*remote.Error{note: remote.Errorf(remote.CodeInvalidArguments, "")}}, Request{Atomic: false}, DecisionSuccess, remote.CodePartialFailure},
		{"cancelled", context.Canceled, Request{}, DecisionFatal, remote.CodeCancelled},
		{"not authenticated", remote.Errorf(remote.CodeNotAuthenticated, ""), Request{}, DecisionFatal, remote.CodeNotAuthenticated},
		{"zone not found", remote.Errorf(remote.CodeZoneNotFound, ""), Request{}, DecisionFatal, remote.CodeZoneNotFound},
		{"quota", remote.Errorf(remote.CodeQuotaExceeded, ""), Request{}, DecisionFatal, remote.CodeQuotaExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Classify(tt.err, tt.req)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.reason, d.Reason)
			if d.Kind == DecisionFatal {
				assert.Error(t, d.Err)
			} else {
				assert.NoError(t, d.Err)
			}
		})
	}
}

func TestClassify_FatalCodes(t *testing.T) {
	c := DefaultClassifier()

	d := c.Classify(remote.Errorf(remote.CodePermissionFailure, "denied"), Request{})
	assert.True(t, IsPermanent(d.Err))
	assert.Equal(t, remote.CodePermissionFailure, remote.CodeOf(d.Err), "remote code survives wrapping")

	d = c.Classify(context.Canceled, Request{})
	assert.True(t, IsCancelled(d.Err))

	d = c.Classify(&remote.Error{Code: remote.CodePartialFailure}, Request{Atomic: true})
	assert.True(t, IsPartialFailure(d.Err))
}

func TestClassify_NonAtomicPartialCarriesFailedItems(t *testing.T) {
	ref := record.RecordRef{Type: "Note", Key: "bad"}
	err := &remote.Error{
		Code:  remote.CodePartialFailure,
		Items: map[record.RecordRef]*remote.Error{ref: remote.Errorf(remote.CodeInvalidArguments, "bad title")},
	}

	d := DefaultClassifier().Classify(err, Request{Atomic: false, Items: 3})
	require.Equal(t, DecisionSuccess, d.Kind)
	require.Len(t, d.Failed, 1)
	assert.Equal(t, remote.CodeInvalidArguments, d.Failed[ref].Code)
}

func TestClassify_RetryWait(t *testing.T) {
	c := Classifier{RetryBase: time.Second, RetryMax: 10 * time.Second}
	transient := remote.Errorf(remote.CodeZoneBusy, "busy")

	assert.Equal(t, time.Second, c.Classify(transient, Request{Attempt: 0}).Wait)
	assert.Equal(t, 2*time.Second, c.Classify(transient, Request{Attempt: 1}).Wait)
	assert.Equal(t, 8*time.Second, c.Classify(transient, Request{Attempt: 3}).Wait)
	assert.Equal(t, 10*time.Second, c.Classify(transient, Request{Attempt: 4}).Wait, "capped")
	assert.Equal(t, 10*time.Second, c.Classify(transient, Request{Attempt: 60}).Wait, "no overflow")

	hinted := &remote.Error{Code: remote.CodeRequestRateLimited, RetryAfter: 42 * time.Second}
	assert.Equal(t, 42*time.Second, c.Classify(hinted, Request{Attempt: 3}).Wait, "backend hint wins")
}

func TestClassify_ChunkSize(t *testing.T) {
	c := DefaultClassifier()

	d := c.Classify(remote.Errorf(remote.CodeLimitExceeded, ""), Request{Items: 650})
	assert.Equal(t, record.DefaultMaxItems, d.MaxItems)

	d = c.Classify(&remote.Error{Code: remote.CodeLimitExceeded, MaxItems: 120}, Request{Items: 650})
	assert.Equal(t, 120, d.MaxItems, "backend suggestion wins")

	d = Classifier{}.Classify(remote.Errorf(remote.CodePayloadTooLarge, ""), Request{Items: 650})
	assert.Equal(t, record.DefaultMaxItems, d.MaxItems, "zero classifier falls back to the default")
}

func TestDecisionKind_String(t *testing.T) {
	assert.Equal(t, "success", DecisionSuccess.String())
	assert.Equal(t, "retry", DecisionRetry.String())
	assert.Equal(t, "chunk", DecisionChunk.String())
	assert.Equal(t, "fatal", DecisionFatal.String())
	assert.Equal(t, "DecisionKind(9)", DecisionKind(9).String())
}
