package generated

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var rawSpec []byte

var (
	swaggerOnce sync.Once
	swagger     *openapi3.T
	swaggerErr  error
)

// GetSwagger возвращает разобранный OpenAPI контракт.
// Результат кешируется, вызывающий код не должен его изменять.
func GetSwagger() (*openapi3.T, error) {
	swaggerOnce.Do(func() {
		loader := openapi3.NewLoader()
		swagger, swaggerErr = loader.LoadFromData(rawSpec)
		if swaggerErr != nil {
			swaggerErr = fmt.Errorf("разбор openapi.yaml: %w", swaggerErr)
		}
	})
	return swagger, swaggerErr
}

// RawSpec возвращает openapi.yaml как есть.
func RawSpec() []byte {
	return rawSpec
}
