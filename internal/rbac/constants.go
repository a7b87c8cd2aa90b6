// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rbac holds the canonical role and permission names. The names are
// the identifiers that appear in access tokens and in Authorize checks, so
// they must match the catalog seeded into the credential store.
package rbac

// Role names
const (
	// RoleAdmin holds every permission.
	RoleAdmin = "Admin"

	// RoleManager runs projects and their members.
	RoleManager = "Manager"

	// RoleUser is the default role for new accounts, including accounts
	// created on first OAuth login.
	RoleUser = "User"
)

// Permission names
const (
	PermManageUsers   = "Manage Users"
	PermViewUsers     = "View Users"
	PermManageRoles   = "Manage Roles"
	PermCreateProject = "Create Project"
	PermEditProject   = "Edit Project"
	PermDeleteProject = "Delete Project"
	PermViewProject   = "View Project"
	PermManageMembers = "Manage Members"
	PermCreateTask    = "Create Task"
	PermEditTask      = "Edit Task"
	PermDeleteTask    = "Delete Task"
	PermAssignTask    = "Assign Task"
	PermViewTask      = "View Task"
)
