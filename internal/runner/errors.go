package runner

import "fmt"

// InputDownloadError reports a failed artifact fetch during the input phase.
type InputDownloadError struct {
	ObjectName string
	FilePath   string
	Err        error
}

func (e *InputDownloadError) Error() string {
	return fmt.Sprintf("failed to download input %s to %s: %v", e.ObjectName, e.FilePath, e.Err)
}

func (e *InputDownloadError) Unwrap() error {
	return e.Err
}

// FileNotFoundForUploadError reports a declared output missing from the task
// working directory at upload time.
type FileNotFoundForUploadError struct {
	FilePath string
}

func (e *FileNotFoundForUploadError) Error() string {
	return fmt.Sprintf("output file not found in task folder: %s", e.FilePath)
}

// UploadError reports a failed artifact or log upload.
type UploadError struct {
	ObjectName string
	FilePath   string
	Err        error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload %s from %s: %v", e.ObjectName, e.FilePath, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
