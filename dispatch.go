package processional

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"strconv"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// call invokes fn with arguments decoded into its parameter types. A leading
// context.Context parameter receives ctx. When kwargs is set the last
// parameter must be a struct (or pointer to one) and is filled from it.
func call(ctx context.Context, codec Codec, fn reflect.Value, args [][]byte, kwargs []byte) (any, error) {
	fnType := fn.Type()
	if fnType.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %s is not callable", ErrBadArguments, fnType)
	}

	in := make([]reflect.Value, 0, fnType.NumIn())
	first := 0
	if fnType.NumIn() > 0 && fnType.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		first = 1
	}

	params := fnType.NumIn() - first
	if kwargs != nil {
		if fnType.IsVariadic() || params == 0 {
			return nil, fmt.Errorf("%w: keyword arguments need a trailing options parameter", ErrBadArguments)
		}
		params--
	}

	variadic := fnType.IsVariadic()
	switch {
	case variadic && len(args) < params-1:
		return nil, fmt.Errorf("%w: expected at least %d arguments, got %d", ErrBadArguments, params-1, len(args))
	case !variadic && len(args) != params:
		return nil, fmt.Errorf("%w: expected %d arguments, got %d", ErrBadArguments, params, len(args))
	}

	for i, raw := range args {
		var target reflect.Type
		if variadic && i >= params-1 {
			target = fnType.In(fnType.NumIn() - 1).Elem()
		} else {
			target = fnType.In(first + i)
		}
		v, err := decodeInto(codec, raw, target)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %w", ErrBadArguments, i, err)
		}
		in = append(in, v)
	}

	if kwargs != nil {
		v, err := decodeInto(codec, kwargs, fnType.In(fnType.NumIn()-1))
		if err != nil {
			return nil, fmt.Errorf("%w: keyword arguments: %w", ErrBadArguments, err)
		}
		in = append(in, v)
	}

	return unpackResults(fn.Call(in))
}

// unpackResults follows the usual Go shapes: nothing, a value, an error, or
// (value, error).
func unpackResults(results []reflect.Value) (any, error) {
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		if results[0].Type().Implements(errorType) {
			if err, ok := results[0].Interface().(error); ok && err != nil {
				return nil, err
			}
			return nil, nil
		}
		return results[0].Interface(), nil
	case 2:
		if err, ok := results[1].Interface().(error); ok && err != nil {
			return nil, err
		}
		return results[0].Interface(), nil
	}
	return nil, fmt.Errorf("unexpected number of return values: %d", len(results))
}

func decodeInto(codec Codec, raw []byte, target reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(target)
	if err := codec.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

// protect runs fn and turns a panic into a RemoteError carrying the stack.
func protect(fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &RemoteError{
				Kind:    FailurePanic,
				Message: fmt.Sprint(r),
				Trace:   string(debug.Stack()),
			}
		}
	}()
	return fn()
}

// indirect follows pointers and interfaces down to the concrete value.
func indirect(v reflect.Value) (reflect.Value, error) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("%w: nil object", ErrNoAttribute)
		}
		v = v.Elem()
	}
	return v, nil
}

// getAttr reads a struct field, map entry or slice element of obj. An empty
// name returns the object itself.
func getAttr(obj reflect.Value, name string) (any, error) {
	if name == "" {
		return obj.Interface(), nil
	}
	target, err := locate(obj, name)
	if err != nil {
		return nil, err
	}
	return target.Interface(), nil
}

func locate(obj reflect.Value, name string) (reflect.Value, error) {
	v, err := indirect(obj)
	if err != nil {
		return reflect.Value{}, err
	}

	switch v.Kind() {
	case reflect.Struct:
		field, ok := v.Type().FieldByName(name)
		if !ok || !field.IsExported() {
			return reflect.Value{}, fmt.Errorf("%w: %s has no field %q", ErrNoAttribute, v.Type(), name)
		}
		return v.FieldByIndex(field.Index), nil
	case reflect.Map:
		key, err := mapKey(v.Type(), name)
		if err != nil {
			return reflect.Value{}, err
		}
		entry := v.MapIndex(key)
		if !entry.IsValid() {
			return reflect.Value{}, fmt.Errorf("%w: key %q", ErrNoAttribute, name)
		}
		return entry, nil
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(name)
		if err != nil || i < 0 || i >= v.Len() {
			return reflect.Value{}, fmt.Errorf("%w: index %q out of range", ErrNoAttribute, name)
		}
		return v.Index(i), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: %s has no attributes", ErrNoAttribute, v.Type())
}

// setAttr assigns raw, decoded into the attribute's type, to the named
// attribute of obj. Struct fields are only settable through a pointer.
func setAttr(codec Codec, obj reflect.Value, name string, raw []byte) error {
	v, err := indirect(obj)
	if err != nil {
		return err
	}

	if v.Kind() == reflect.Map {
		key, err := mapKey(v.Type(), name)
		if err != nil {
			return err
		}
		value, err := decodeInto(codec, raw, v.Type().Elem())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBadArguments, err)
		}
		v.SetMapIndex(key, value)
		return nil
	}

	target, err := locate(obj, name)
	if err != nil {
		return err
	}
	if !target.CanSet() {
		return fmt.Errorf("%w: attribute %q is not settable", ErrNoAttribute, name)
	}
	value, err := decodeInto(codec, raw, target.Type())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadArguments, err)
	}
	target.Set(value)
	return nil
}

func mapKey(mapType reflect.Type, name string) (reflect.Value, error) {
	keyType := mapType.Key()
	switch keyType.Kind() {
	case reflect.String:
		return reflect.ValueOf(name).Convert(keyType), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%w: key %q is not an integer", ErrNoAttribute, name)
		}
		return reflect.ValueOf(i).Convert(keyType), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: unsupported map key type %s", ErrNoAttribute, keyType)
}

// methodOf returns the exported method name of obj.
func methodOf(obj reflect.Value, name string) (reflect.Value, error) {
	m := obj.MethodByName(name)
	if !m.IsValid() {
		return reflect.Value{}, fmt.Errorf("%w: %s has no method %q", ErrNoAttribute, obj.Type(), name)
	}
	return m, nil
}
