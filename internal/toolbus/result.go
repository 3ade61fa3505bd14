package toolbus

import (
	"encoding/json"
	"fmt"

	"github.com/msgcode/msgcode/pkg/models"
)

// resultEnvelope is the JSON shape fed back to the model as the tool
// role message.
type resultEnvelope struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *resultError `json:"error,omitempty"`
}

type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeResult renders a successful tool result for the model.
func EncodeResult(data any) string {
	out, err := json.Marshal(resultEnvelope{Success: true, Data: data})
	if err != nil {
		// Data that cannot marshal still yields a valid envelope.
		return `{"success":true}`
	}
	return string(out)
}

// EncodeError renders a failed tool result for the model.
func EncodeError(err error) string {
	code := models.CodeOf(err)
	if code == "" {
		code = models.CodeToolExecFailed
	}
	out, mErr := json.Marshal(resultEnvelope{
		Success: false,
		Error:   &resultError{Code: string(code), Message: err.Error()},
	})
	if mErr != nil {
		return `{"success":false}`
	}
	return string(out)
}

// FormatToolFailure is the user-visible failure notice sent to the
// chat when a tool errors out. Wording is fixed.
func FormatToolFailure(tool string, err error) string {
	code := models.CodeOf(err)
	if code == "" {
		code = models.CodeToolExecFailed
	}
	msg := err.Error()
	var coded *models.CodedError
	if c, ok := err.(*models.CodedError); ok {
		coded = c
	}
	if coded != nil {
		msg = coded.Message
		if coded.Cause != nil {
			msg = fmt.Sprintf("%s: %v", coded.Message, coded.Cause)
		}
	}
	return fmt.Sprintf("工具执行失败\n工具: %s\n错误码: %s\n错误: %s", tool, code, msg)
}
