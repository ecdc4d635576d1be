package fjage

// Shell and file transfer message classes understood by fjage containers.
const (
	ShellExecReqClass = "org.arl.fjage.shell.ShellExecReq"
	GetFileReqClass   = "org.arl.fjage.shell.GetFileReq"
	GetFileRspClass   = "org.arl.fjage.shell.GetFileRsp"
	PutFileReqClass   = "org.arl.fjage.shell.PutFileReq"
)

// ShellExecReq asks a shell agent to execute a command or script.
type ShellExecReq struct {
	Message
	Cmd    string   `json:"cmd,omitempty"`
	Script string   `json:"script,omitempty"`
	Args   []string `json:"args,omitempty"`
	Ans    bool     `json:"ans,omitempty"`
}

// NewShellExecReq creates a request to execute cmd.
func NewShellExecReq(cmd string) *ShellExecReq {
	return &ShellExecReq{Message: newBase(ShellExecReqClass), Cmd: cmd}
}

// GetFileReq reads a file or lists a directory. Ofs and Len select a byte
// range; a Len of 0 reads to the end of the file.
type GetFileReq struct {
	Message
	Filename string `json:"filename"`
	Ofs      int64  `json:"ofs,omitempty"`
	Len      int64  `json:"len,omitempty"`
}

// NewGetFileReq creates a request for the whole of filename.
func NewGetFileReq(filename string) *GetFileReq {
	return &GetFileReq{Message: newBase(GetFileReqClass), Filename: filename}
}

// GetFileRsp returns file contents, or a directory listing when Directory is
// set.
type GetFileRsp struct {
	Message
	Filename  string    `json:"filename,omitempty"`
	Ofs       int64     `json:"ofs,omitempty"`
	Contents  ByteArray `json:"contents,omitempty"`
	Directory bool      `json:"directory,omitempty"`
}

// NewGetFileRsp creates an empty response.
func NewGetFileRsp() *GetFileRsp {
	return &GetFileRsp{Message: newBase(GetFileRspClass)}
}

// Bytes returns the contents as raw bytes.
func (r *GetFileRsp) Bytes() []byte {
	b := make([]byte, len(r.Contents))
	for i, v := range r.Contents {
		b[i] = byte(v)
	}
	return b
}

// PutFileReq writes contents into filename at Ofs. A nil Contents deletes
// the file.
type PutFileReq struct {
	Message
	Filename string    `json:"filename"`
	Contents ByteArray `json:"contents"`
	Ofs      int64     `json:"ofs,omitempty"`
}

// NewPutFileReq creates a request writing data to filename.
func NewPutFileReq(filename string, data []byte) *PutFileReq {
	req := &PutFileReq{Message: newBase(PutFileReqClass), Filename: filename}
	if data != nil {
		req.Contents = make(ByteArray, len(data))
		for i, b := range data {
			req.Contents[i] = int8(b)
		}
	}
	return req
}
