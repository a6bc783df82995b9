// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package plist

import "fmt"

// ErrUnresolvedRef is returned when a UID points outside the object
// table, or to an object that is not itself a valid archived value.
var ErrUnresolvedRef = fmt.Errorf("%w: unresolved keyed-archiver reference", ErrMalformedPlist)

// CycleRef stands in for a back-edge in the archived object graph. Apple
// link-preview and app-response payloads don't normally self-reference,
// but attributed-string metadata occasionally does (an attachment whose
// attributes point back at its own paragraph style); rather than
// recursing forever, resolution stops at the first repeated index and
// leaves this marker so the caller can decide whether to care.
type CycleRef struct {
	ObjectIndex int
}

// Scalar is an already-resolved leaf: anything that isn't itself a
// dict/array of further archived objects.
type Scalar struct {
	Node *Node
}

// ArchivedObject is a resolved NSKeyedArchiver instance: a class name
// (from the $class back-reference) plus its ivars, each itself either a
// *ArchivedObject, *Scalar, []any, or *CycleRef.
type ArchivedObject struct {
	ClassName string
	Classes   []string // full superclass chain, root-to-leaf reversed: leaf first
	Fields    map[string]any
}

// Archive is a parsed NSKeyedArchiver container: a $objects table plus
// the $top entry points used as resolution roots.
type Archive struct {
	doc     *Document
	objects []*Node // $objects array, index 0 is always "$null"
	top     map[string]*Node
}

// OpenKeyedArchive parses a binary plist and validates the NSKeyedArchiver
// envelope's $objects and $top entries, returning an Archive ready for
// Resolve calls. $archiver and $version are not checked.
func OpenKeyedArchive(data []byte) (*Archive, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	root, err := doc.Root()
	if err != nil {
		return nil, err
	}
	rootDict, err := root.Dict()
	if err != nil {
		return nil, fmt.Errorf("%w: keyed archiver root is not a dict: %v", ErrMalformedPlist, err)
	}
	objectsNode, ok := rootDict["$objects"]
	if !ok {
		return nil, fmt.Errorf("%w: missing $objects", ErrMalformedPlist)
	}
	objects, err := objectsNode.Array()
	if err != nil {
		return nil, fmt.Errorf("%w: $objects is not an array: %v", ErrMalformedPlist, err)
	}
	topNode, ok := rootDict["$top"]
	if !ok {
		return nil, fmt.Errorf("%w: missing $top", ErrMalformedPlist)
	}
	top, err := topNode.Dict()
	if err != nil {
		return nil, fmt.Errorf("%w: $top is not a dict: %v", ErrMalformedPlist, err)
	}
	return &Archive{doc: doc, objects: objects, top: top}, nil
}

// Root resolves the archive's conventional "root" top-level key, the
// entry every NSKeyedArchiver payload in chat.db uses.
func (a *Archive) Root() (any, error) {
	node, ok := a.top["root"]
	if !ok {
		return nil, fmt.Errorf("%w: $top has no \"root\" entry", ErrUnresolvedRef)
	}
	return a.resolveNode(node, map[int]bool{})
}

// Resolve follows a UID by object-table index directly, for callers that
// already have a specific reference (e.g. a nested ivar captured during
// an earlier partial resolution).
func (a *Archive) Resolve(objectIndex int) (any, error) {
	if objectIndex < 0 || objectIndex >= len(a.objects) {
		return nil, fmt.Errorf("%w: index %d out of range (have %d objects)", ErrUnresolvedRef, objectIndex, len(a.objects))
	}
	return a.resolveIndex(objectIndex, map[int]bool{})
}

func (a *Archive) resolveNode(node *Node, visiting map[int]bool) (any, error) {
	if node.Kind() == KindUID {
		uid, err := node.UID()
		if err != nil {
			return nil, err
		}
		return a.resolveIndex(int(uid), visiting)
	}
	return a.resolveScalarOrContainer(node, visiting)
}

func (a *Archive) resolveIndex(idx int, visiting map[int]bool) (any, error) {
	if idx < 0 || idx >= len(a.objects) {
		return nil, fmt.Errorf("%w: index %d out of range", ErrUnresolvedRef, idx)
	}
	if visiting[idx] {
		return &CycleRef{ObjectIndex: idx}, nil
	}
	node := a.objects[idx]

	if node.Kind() == KindString && node.String() == "$null" {
		return nil, nil
	}

	if node.Kind() != KindDict {
		return a.resolveScalarOrContainer(node, visiting)
	}

	dict, err := node.Dict()
	if err != nil {
		return nil, err
	}
	classNode, hasClass := dict["$class"]
	if !hasClass {
		// A plain dict with no $class ivar: not an archived instance,
		// just archived dictionary data (some app-response payloads use
		// this directly for their top-level structure).
		visiting[idx] = true
		defer delete(visiting, idx)
		return a.resolveFields(dict, visiting)
	}

	classUID, err := classNode.UID()
	if err != nil {
		return nil, fmt.Errorf("%w: $class is not a UID", ErrMalformedPlist)
	}
	className, classChain, err := a.resolveClass(int(classUID))
	if err != nil {
		return nil, err
	}

	visiting[idx] = true
	defer delete(visiting, idx)

	fields, err := a.resolveFields(dict, visiting)
	if err != nil {
		return nil, err
	}
	delete(fields, "$class")
	return &ArchivedObject{ClassName: className, Classes: classChain, Fields: fields}, nil
}

func (a *Archive) resolveFields(dict map[string]*Node, visiting map[int]bool) (map[string]any, error) {
	out := make(map[string]any, len(dict))
	for k, v := range dict {
		resolved, err := a.resolveNode(v, visiting)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// resolveClass reads a $classname/$classes class-definition object and
// returns the leaf class name plus the full chain (leaf-first).
func (a *Archive) resolveClass(idx int) (string, []string, error) {
	if idx < 0 || idx >= len(a.objects) {
		return "", nil, fmt.Errorf("%w: class index %d out of range", ErrUnresolvedRef, idx)
	}
	node := a.objects[idx]
	dict, err := node.Dict()
	if err != nil {
		return "", nil, fmt.Errorf("%w: class object is not a dict", ErrMalformedPlist)
	}
	nameNode, ok := dict["$classname"]
	if !ok {
		return "", nil, fmt.Errorf("%w: class object missing $classname", ErrMalformedPlist)
	}
	name := nameNode.String()

	var chain []string
	if chainNode, ok := dict["$classes"]; ok {
		arr, err := chainNode.Array()
		if err != nil {
			return "", nil, fmt.Errorf("%w: $classes is not an array", ErrMalformedPlist)
		}
		for _, c := range arr {
			chain = append(chain, c.String())
		}
	}
	return name, chain, nil
}

func (a *Archive) resolveScalarOrContainer(node *Node, visiting map[int]bool) (any, error) {
	switch node.Kind() {
	case KindArray:
		members, err := node.Array()
		if err != nil {
			return nil, err
		}
		out := make([]any, len(members))
		for i, m := range members {
			resolved, err := a.resolveNode(m, visiting)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case KindDict:
		dict, err := node.Dict()
		if err != nil {
			return nil, err
		}
		return a.resolveFields(dict, visiting)
	default:
		return &Scalar{Node: node}, nil
	}
}
