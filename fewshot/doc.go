// Package fewshot implements episodic training and evaluation of a
// prototypical network.
//
// An episode draws N classes from a Pool and, for each class, K support and
// Q query examples. Support embeddings are averaged into one prototype per
// class; every query is scored by log_softmax over negative squared Euclidean
// distances to the prototypes. The query with row r = i*Q + j belongs to
// class i, so the label vector is [0]*Q, [1]*Q, ..., [N-1]*Q.
package fewshot
