// Package dataset 描述已解析数据集的不可变句柄，以及按格式标签注册的驱动。
//
// 驱动作者需要：
//   1. 在 internal/dataset/<driver>/ 目录下实现 Driver（以及 RasterDriver 或 VectorDriver）；
//   2. 在 init() 中通过 MustRegister 注册，格式标签全局唯一；
//   3. Probe 只读取头信息与侧车文件，不加载完整像素或要素。
//
// 格式到实现的选择只在 Resolver 阶段发生一次，之后各组件通过 Handle.Format 查表。
package dataset
