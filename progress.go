package examftp

// Progress describes a transfer in flight.
type Progress struct {
	// Name is the file being transferred
	Name string

	// Upload is true for Store and false for Retrieve
	Upload bool

	// Transferred is the number of bytes moved so far
	Transferred int64

	// Total is the expected size, or zero when unknown
	Total int64
}

// Percent returns the completed share in the range [0, 100], or -1 when the
// total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Transferred) * 100 / float64(p.Total)
}

// ProgressFunc is called after every chunk of a transfer.
type ProgressFunc func(Progress)

func (c *Client) progressFor(name string, upload bool, total int64) func(int64) {
	if c.progress == nil {
		return nil
	}
	return func(n int64) {
		c.progress(Progress{Name: name, Upload: upload, Transferred: n, Total: total})
	}
}
