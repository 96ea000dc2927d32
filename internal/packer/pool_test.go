package packer

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_AllJobsRun(t *testing.T) {
	p := NewPool(4)
	var ran int32
	jobs := make([]Job, 20)
	for i := range jobs {
		jobs[i] = func() error {
			atomic.AddInt32(&ran, 1)
			return nil
		}
	}
	errs := p.Run(jobs)
	assert.Nil(t, errs)
	assert.EqualValues(t, 20, ran)
}

func TestPool_CollectsEveryError(t *testing.T) {
	p := NewPool(3)
	jobs := []Job{
		func() error { return nil },
		func() error { return fmt.Errorf("job 1 failed") },
		func() error { return nil },
		func() error { return fmt.Errorf("job 3 failed") },
	}
	errs := p.Run(jobs)
	assert.Len(t, errs, 4)
	assert.Nil(t, errs[0])
	assert.Error(t, errs[1])
	assert.Nil(t, errs[2])
	assert.Error(t, errs[3])
}

func TestPool_ZeroWorkersClampsToOne(t *testing.T) {
	p := NewPool(0)
	assert.Equal(t, 1, p.workers)
}

func TestPool_EmptyJobsIsNoop(t *testing.T) {
	p := NewPool(5)
	assert.Nil(t, p.Run(nil))
}
