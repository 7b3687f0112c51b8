package repository

import "github.com/k11v/appbuild/internal/build"

// CommitParams describes a commit of a full file set to a repository.
type CommitParams struct {
	Name        string       // required
	Description string       // used when the repository is created
	Message     string       // required
	Files       []build.File // required
	Create      bool         // create the repository if it doesn't exist
}
