package store

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"
	pkgerrors "github.com/pkg/errors"

	"moor/types"
)

// collectAnonymousRefs walks a decoded value tree for anonymous Obj
// references, exactly like vm/anonymous_gc.go's collectAnonymousRefsForGC —
// generalized here to operate on a types.Value pulled out of a relation row
// rather than a live db.Object's in-memory property map.
func collectAnonymousRefs(v types.Value, mark *roaring64.Bitmap) {
	switch val := v.(type) {
	case types.ObjValue:
		if val.IsAnonymous() {
			mark.Add(uint64(val.ID()))
		}
	case types.ListValue:
		for _, elem := range val.Elements() {
			collectAnonymousRefs(elem, mark)
		}
	case types.MapValue:
		for _, pair := range val.Pairs() {
			collectAnonymousRefs(pair[0], mark)
			collectAnonymousRefs(pair[1], mark)
		}
	}
}

// CollectAnonymousObjects performs a mark/sweep pass over
// ObjectPropertyValue, deleting AnonymousObjectMetadata rows (and their
// dependent rows) for anonymous objects no longer referenced by any live
// property value and carrying a zero refcount. Mirrors
// vm/anonymous_gc.go's AutoRecycleOrphanAnonymousSince, generalized from a
// Go-pointer graph scan to a relation-value scan: a periodic scan
// enumerates all rows whose values structurally reference anonymous Objs.
// The bitmap of live (marked-reachable) ids is a 64-bit RoaringBitmap: the
// id space can be sparse and large (anonymous ids are minted from the
// 62-bit packed space, not a small dense counter), so a compressed bitmap
// is the right structure rather than a plain Go map/set.
func CollectAnonymousObjects(txn *Txn) (collected []types.ObjID, err error) {
	reachable := roaring64.New()

	scanErr := txn.Scan(RelationObjectPropertyValue, nil, func(_ []byte, value []byte) (bool, error) {
		v, decErr := DecodeValue(value)
		if decErr != nil {
			return false, pkgerrors.Wrap(decErr, "decoding property value during gc scan")
		}
		collectAnonymousRefs(v, reachable)
		return false, nil
	})
	if scanErr != nil {
		return nil, pkgerrors.Wrap(scanErr, "scanning property values for gc")
	}

	var candidates []types.ObjID
	scanErr = txn.Scan(RelationAnonymousObjectMetadata, nil, func(key []byte, value []byte) (bool, error) {
		id := DecodeObjKey(key)
		if reachable.Contains(uint64(id)) {
			return false, nil
		}
		meta, decErr := DecodeValue(value)
		if decErr != nil {
			return false, pkgerrors.Wrap(decErr, "decoding anonymous metadata during gc scan")
		}
		if refcountOf(meta) > 0 {
			return false, nil
		}
		candidates = append(candidates, id)
		return false, nil
	})
	if scanErr != nil {
		return nil, pkgerrors.Wrap(scanErr, "scanning anonymous metadata for gc")
	}

	for _, id := range candidates {
		key := ObjKey(id)
		txn.Delete(RelationAnonymousObjectMetadata, key)
		txn.Delete(RelationObjectFlags, key)
		txn.Delete(RelationObjectName, key)
		txn.Delete(RelationObjectOwner, key)
		txn.Delete(RelationObjectPropDefs, key)
		txn.Delete(RelationObjectVerbs, key)
	}

	return candidates, nil
}

// refcountOf reads the refcount field out of an AnonymousObjectMetadata row
// encoded as a {parent, owner, refcount} list (see store/bulkload.go).
func refcountOf(meta types.Value) int64 {
	list, ok := meta.(types.ListValue)
	if !ok || list.Len() < 3 {
		return 0
	}
	iv, ok := list.Get(2).(types.IntValue)
	if !ok {
		return 0
	}
	return iv.Val
}
