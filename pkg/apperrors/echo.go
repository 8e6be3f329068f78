package apperrors

import (
	"github.com/labstack/echo/v4"
)

// HTTPError converts err into an echo error whose body exposes the code and
// kind, letting clients tell an unconfirmed outcome from a clean rejection.
func HTTPError(err error) *echo.HTTPError {
	e, ok := As(err)
	if !ok {
		return echo.NewHTTPError(HTTPStatus(err), err.Error())
	}
	body := map[string]interface{}{
		"error": e.Message,
		"code":  e.Code,
		"kind":  e.Kind,
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	return echo.NewHTTPError(HTTPStatus(err), body).SetInternal(err)
}
