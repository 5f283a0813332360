package namespace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/proto"
)

func dirInode(id proto.InodeID, parent proto.InodeID, name string) *inode {
	return newInode(&proto.InodeInfo{
		ID: id, ParentID: parent, Name: name, Type: proto.InodeType_Directory,
	})
}

func fileInode(id proto.InodeID, parent proto.InodeID, name string) *inode {
	return newInode(&proto.InodeInfo{
		ID: id, ParentID: parent, Name: name, Type: proto.InodeType_File,
	})
}

func TestSplitPath(t *testing.T) {
	parts, err := splitPath("/")
	require.NoError(t, err)
	require.Empty(t, parts)

	parts, err = splitPath("/a//b/./c/")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, parts)

	_, err = splitPath("relative/path")
	require.Error(t, err)
	_, err = splitPath("/a/../b")
	require.Error(t, err)
}

func TestTreeResolve(t *testing.T) {
	tr := newTree()
	root := tr.get(proto.RootInodeID)

	d := dirInode(2, proto.RootInodeID, "d")
	tr.link(root, d)
	f := fileInode(3, 2, "f")
	tr.link(d, f)

	got, err := tr.resolve([]string{"d", "f"})
	require.NoError(t, err)
	require.Equal(t, proto.InodeID(3), got.info.ID)

	_, err = tr.resolve([]string{"d", "missing"})
	require.ErrorIs(t, err, errors.ErrNotFound)

	// a file in the middle of the path is not traversable
	_, err = tr.resolve([]string{"d", "f", "x"})
	require.ErrorIs(t, err, errors.ErrNotADirectory)

	parent, name, err := tr.resolveParent([]string{"d", "f"})
	require.NoError(t, err)
	require.Equal(t, proto.InodeID(2), parent.info.ID)
	require.Equal(t, "f", name)

	_, _, err = tr.resolveParent(nil)
	require.Error(t, err)
}

func TestTreeCollectAndAncestry(t *testing.T) {
	tr := newTree()
	root := tr.get(proto.RootInodeID)

	d := dirInode(2, proto.RootInodeID, "d")
	tr.link(root, d)
	sub := dirInode(3, 2, "sub")
	tr.link(d, sub)
	f := fileInode(4, 3, "f")
	tr.link(sub, f)
	other := dirInode(5, proto.RootInodeID, "other")
	tr.link(root, other)

	collected := tr.collect(d)
	require.Len(t, collected, 3)
	// children come out before their parents
	require.Equal(t, proto.InodeID(2), collected[2].info.ID)

	require.True(t, tr.isAncestor(d, f))
	require.True(t, tr.isAncestor(d, d))
	require.False(t, tr.isAncestor(other, f))
	require.False(t, tr.isAncestor(f, d))
}

func TestLeaseTable(t *testing.T) {
	lt := newLeaseTable(60_000)

	lt.Grant(10, "c1", "tok-1")
	require.True(t, lt.Held(10))
	require.NoError(t, lt.Check(10, "tok-1"))
	require.ErrorIs(t, lt.Check(10, "tok-2"), errors.ErrLeaseConflict)
	require.ErrorIs(t, lt.Check(11, "tok-1"), errors.ErrLeaseExpired)

	require.Equal(t, 1, lt.Renew("c1"))
	require.Equal(t, 0, lt.Renew("c2"))

	lt.Release(10)
	require.False(t, lt.Held(10))
	require.ErrorIs(t, lt.Check(10, "tok-1"), errors.ErrLeaseExpired)
}

func TestLeaseTableExpiry(t *testing.T) {
	lt := newLeaseTable(10)

	lt.Grant(10, "c1", "tok-1")
	require.Empty(t, lt.Expired())

	time.Sleep(20 * time.Millisecond)
	require.ErrorIs(t, lt.Check(10, "tok-1"), errors.ErrLeaseExpired)
	require.Equal(t, []proto.InodeID{10}, lt.Expired())

	// a promoted leader restarts every clock
	lt.ResetClocks()
	require.Empty(t, lt.Expired())
	require.NoError(t, lt.Check(10, "tok-1"))
}

func TestRetryCache(t *testing.T) {
	rc := newRetryCache(100)

	require.Nil(t, rc.Get("c1", "r1"))
	rc.Put("c1", "r1", &retryRecord{Op: RaftOpCreateInode, InodeID: 7, Time: 1000})
	rec := rc.Get("c1", "r1")
	require.NotNil(t, rec)
	require.Equal(t, proto.InodeID(7), rec.InodeID)

	// request ids are scoped per client
	require.Nil(t, rc.Get("c2", "r1"))

	// blank request ids are never cached
	rc.Put("c1", "", &retryRecord{Time: 1000})
	require.Nil(t, rc.Get("c1", ""))
}

func TestRetryCacheExpire(t *testing.T) {
	rc := newRetryCache(100)
	rc.Put("c1", "r1", &retryRecord{Time: 1000})
	rc.Put("c1", "r2", &retryRecord{Time: 1050})

	// inside the window nothing goes
	require.Empty(t, rc.Expire(1099))

	evicted := rc.Expire(1100)
	require.Equal(t, [][2]string{{"c1", "r1"}}, evicted)
	require.Nil(t, rc.Get("c1", "r1"))
	require.NotNil(t, rc.Get("c1", "r2"))

	evicted = rc.Expire(2000)
	require.Equal(t, [][2]string{{"c1", "r2"}}, evicted)
}

func TestTTLIndexBuckets(t *testing.T) {
	ti := newTTLIndex(100)

	// expiry rounds up to the bucket deadline, never down
	ti.Set(1, 150)
	ti.Set(2, 200)
	ti.Set(3, 201)

	require.Empty(t, ti.ExpiredBefore(199))
	due := ti.ExpiredBefore(200)
	require.ElementsMatch(t, []proto.InodeID{1, 2}, due)
	require.ElementsMatch(t, []proto.InodeID{1, 2, 3}, ti.ExpiredBefore(300))

	// resetting a ttl moves the inode to its new bucket
	ti.Set(1, 250)
	require.ElementsMatch(t, []proto.InodeID{2}, ti.ExpiredBefore(200))

	ti.Remove(2)
	ti.Remove(3)
	require.Empty(t, ti.ExpiredBefore(200))
	require.True(t, ti.Tracked(1))
	require.False(t, ti.Tracked(2))
}
