package ledger

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrReadOnly  = Err("write attempted in read-only view")
	ErrDuplicate = Err("record already exists")
)

const defaultEventLimit = 100
