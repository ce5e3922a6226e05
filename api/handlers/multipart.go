package handlers

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strings"
)

const multipartMemory = 8 << 20

var errNoMultipart = errors.New("not a multipart request")

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/form-data")
}

// parseMultipart bounds the body to limit bytes and parses the form.
func parseMultipart(w http.ResponseWriter, r *http.Request, limit int64) error {
	if !isMultipart(r) {
		return errNoMultipart
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	return r.ParseMultipartForm(multipartMemory)
}

// openFiles opens every part uploaded under field. The returned closer must
// always be called.
func openFiles(r *http.Request, field string) ([]openedFile, func(), error) {
	var out []openedFile
	closeAll := func() {
		for _, f := range out {
			_ = f.file.Close()
		}
	}
	if r.MultipartForm == nil {
		return nil, closeAll, nil
	}
	for _, fh := range r.MultipartForm.File[field] {
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		out = append(out, openedFile{name: fh.Filename, file: f})
	}
	return out, closeAll, nil
}

type openedFile struct {
	name string
	file multipart.File
}

func formValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.FormValue(key))
}

func writeMultipartError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeErrorKey(w, http.StatusRequestEntityTooLarge, "media.tooLarge")
		return
	}
	writeErrorKey(w, http.StatusBadRequest, "common.badRequest")
}
