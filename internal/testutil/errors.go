package testutil

import "errors"

// errForeignKey mirrors the comments (parent_comment_id, post_id) foreign key.
var errForeignKey = errors.New("testutil: parent comment must belong to the same post")
