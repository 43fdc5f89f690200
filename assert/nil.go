package assert

import "fmt"

func formatMsg(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

func NotNil(obj any, format string, args ...interface{}) {
	if obj == nil {
		panic(formatMsg(format, args...))
	}
}

func IsNil(obj any, format string, args ...interface{}) {
	if obj != nil {
		panic(formatMsg(format, args...))
	}
}
