package tool

import "context"

// vcsCommit implements the vcs_commit tool. Output is the new commit
// hash.
func (ts *Toolset) vcsCommit(ctx context.Context, args Args) (string, error) {
	sha, err := ts.git.Commit(ctx, args.String("message"))
	if err != nil {
		return "", err
	}
	return sha, nil
}

// vcsRevert implements the vcs_revert tool.
func (ts *Toolset) vcsRevert(ctx context.Context, args Args) (string, error) {
	sha := args.String("commit")
	if err := ts.git.Revert(ctx, sha); err != nil {
		return "", err
	}
	return "reverted " + sha, nil
}
