// Package geom holds the small set of rigid-body helpers shared by the
// fiducial packages: tagged poses, Rodrigues vectors, Unity-order Euler
// angles and look rotations. Vectors, quaternions and matrices are the
// mathgl mgl64 types; Mat4 is column-major and acts on column vectors.
package geom
