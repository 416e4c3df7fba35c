//go:build !linux

package rt

func setThreadNice(nice int) error {
	return ErrUnsupported
}

// CurrentNice returns the nice value of the calling thread.
func CurrentNice() (int, error) {
	return 0, ErrUnsupported
}
