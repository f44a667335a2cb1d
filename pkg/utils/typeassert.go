package utils

import "fmt"

// SafeAssert performs a type assertion without panicking.
func SafeAssert[T any](value any) (T, bool) {
	v, ok := value.(T)
	return v, ok
}

// GetMapField reads key from m and asserts its type.
func GetMapField[T any](m map[string]any, key string) (T, error) {
	var zero T
	value, exists := m[key]
	if !exists {
		return zero, fmt.Errorf("field '%s' not found", key)
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("field '%s' expected type %T, got %T", key, zero, value)
	}
	return typed, nil
}

// GetMapFieldOr is GetMapField with a default for missing or mistyped values.
func GetMapFieldOr[T any](m map[string]any, key string, defaultValue T) T {
	if value, err := GetMapField[T](m, key); err == nil {
		return value
	}
	return defaultValue
}

// RequireString reads a non-empty string argument.
func RequireString(m map[string]any, key string) (string, error) {
	s, err := GetMapField[string](m, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("field '%s' must not be empty", key)
	}
	return s, nil
}
