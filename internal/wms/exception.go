package wms

import (
	"encoding/xml"
	"fmt"

	"github.com/gofiber/fiber/v3"
)

// OGC 异常代码。
const (
	CodeMissingParameter      = "MissingParameterValue"
	CodeInvalidParameter      = "InvalidParameterValue"
	CodeOperationNotSupported = "OperationNotSupported"
	CodeInvalidFormat         = "InvalidFormat"
	CodeInvalidCRS            = "InvalidCRS"
	CodeLayerNotDefined       = "LayerNotDefined"
	CodeNoApplicableCode      = "NoApplicableCode"
)

// Exception 是以 ServiceExceptionReport 输出的请求错误。
type Exception struct {
	Code    string
	Message string
	Status  int
}

func (e *Exception) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func exceptionf(code, format string, args ...any) *Exception {
	return &Exception{Code: code, Message: fmt.Sprintf(format, args...), Status: fiber.StatusBadRequest}
}

type exceptionReport struct {
	XMLName   xml.Name `xml:"ServiceExceptionReport"`
	Version   string   `xml:"version,attr"`
	Namespace string   `xml:"xmlns,attr"`
	Exception struct {
		Code    string `xml:"code,attr,omitempty"`
		Message string `xml:",chardata"`
	} `xml:"ServiceException"`
}

// MarshalReport 生成 ServiceExceptionReport 文档。
func MarshalReport(e *Exception) ([]byte, error) {
	report := exceptionReport{Version: Version, Namespace: "http://www.opengis.net/ogc"}
	report.Exception.Code = e.Code
	report.Exception.Message = e.Message
	body, err := xml.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// RenderException 输出异常文档，Status 为 0 时使用 400。
func RenderException(c fiber.Ctx, e *Exception) error {
	body, err := MarshalReport(e)
	if err != nil {
		return err
	}
	status := e.Status
	if status == 0 {
		status = fiber.StatusBadRequest
	}
	c.Set(fiber.HeaderContentType, "text/xml; charset=utf-8")
	return c.Status(status).Send(body)
}
