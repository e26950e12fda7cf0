//go:build !unix

package engine

type instanceLock struct{}

func acquireLock(path string) (*instanceLock, error) {
	return &instanceLock{}, nil
}

func (l *instanceLock) release() error {
	return nil
}
