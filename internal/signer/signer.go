// Package signer формирует подписи запросов к игровому API.
package signer

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrSigning возвращается, если значение параметра невозможно сериализовать.
var ErrSigning = errors.New("signing error")

// Имена служебных параметров.
const (
	ParamTime = "time"
	ParamSign = "sign"
)

// Canonical строит каноническую строку "a=1&b=2" с отсортированными именами параметров.
func Canonical(params map[string]any) (string, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		value, err := render(params[name])
		if err != nil {
			return "", fmt.Errorf("%w: param %q: %v", ErrSigning, name, err)
		}
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(value)
	}

	return b.String(), nil
}

// Sign вычисляет подпись набора параметров: md5(canonical + secret) в hex.
func Sign(params map[string]any, secret string) (string, error) {
	canonical, err := Canonical(params)
	if err != nil {
		return "", err
	}

	sum := md5.Sum([]byte(canonical + secret))
	return hex.EncodeToString(sum[:]), nil
}

// Form добавляет к параметрам метку времени в миллисекундах, подписывает их
// и возвращает готовое тело формы. Исходная карта не изменяется.
func Form(params map[string]any, secret string, now time.Time) (url.Values, error) {
	signed := make(map[string]any, len(params)+1)
	for k, v := range params {
		signed[k] = v
	}
	signed[ParamTime] = now.UnixMilli()

	sign, err := Sign(signed, secret)
	if err != nil {
		return nil, err
	}

	form := make(url.Values, len(signed)+1)
	for k, v := range signed {
		// render уже отработал без ошибок внутри Sign.
		s, _ := render(v)
		form.Set(k, s)
	}
	form.Set(ParamSign, sign)

	return form, nil
}

func render(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	case json.RawMessage:
		var buf bytes.Buffer
		if err := json.Compact(&buf, val); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(val); err != nil {
			return "", err
		}
		return strings.TrimRight(buf.String(), "\n"), nil
	}
}
